package workflow

import (
	"fmt"

	"github.com/mmdatafocus/kickback_backend/utils"
	"gorm.io/gorm"
)

const settleLockWaitSeconds = 30

func venueSettleLockName(venueId int) string {
	return fmt.Sprintf("kickback:settle:venue:%d", venueId)
}

// withVenueSettleLock runs fn holding a MySQL named lock for the venue. GET_LOCK belongs to the
// connection, so tx must be the transaction fn writes through. Other dialects have no named
// locks and rely on the row locks fn takes.
func withVenueSettleLock(tx *gorm.DB, venueId int, fn func() error) error {
	if tx.Dialector.Name() != "mysql" {
		return fn()
	}
	name := venueSettleLockName(venueId)
	var granted *int
	if err := tx.Raw("SELECT GET_LOCK(?, ?)", name, settleLockWaitSeconds).Scan(&granted).Error; err != nil {
		return err
	}
	if granted == nil || *granted != 1 {
		return utils.NewConflictError("settlement_in_progress", "venue %d is being settled", venueId)
	}
	defer func() {
		var released *int
		_ = tx.Raw("SELECT RELEASE_LOCK(?)", name).Scan(&released).Error
	}()
	return fn()
}
