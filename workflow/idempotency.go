package workflow

import (
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/kickback_backend/models"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

const idempotencyStaleAfter = 5 * time.Minute

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// BeginIdempotency inserts STARTED for (scope, handler, message). If SUCCEEDED exists it returns
// (true, nil): the delivery was already handled and can be acknowledged.
func BeginIdempotency(tx *gorm.DB, scope, handlerName, messageId string) (skip bool, err error) {
	key := models.IdempotencyKey{
		Scope:       scope,
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err == nil {
		return false, nil
	} else if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.IdempotencyKey
	if err := tx.Where("scope = ? AND handler_name = ? AND message_id = ?", scope, handlerName, messageId).
		First(&existing).Error; err != nil {
		return false, err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		// Another delivery is mid-flight; the provider retries later.
		if time.Since(existing.UpdatedAt) < idempotencyStaleAfter {
			return false, ErrIdempotencyInProgress
		}
	}
	return false, tx.Model(&models.IdempotencyKey{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
}

func MarkIdempotencySucceeded(tx *gorm.DB, scope, handlerName, messageId string) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("scope = ? AND handler_name = ? AND message_id = ?", scope, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}).Error
}

func MarkIdempotencyFailed(tx *gorm.DB, scope, handlerName, messageId string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return tx.Model(&models.IdempotencyKey{}).
		Where("scope = ? AND handler_name = ? AND message_id = ?", scope, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}

// RunIdempotent wraps fn in Begin/Mark on the given handle. A failed run is recorded so the next
// delivery retries it. skipped is true when a previous delivery already succeeded.
func RunIdempotent(db *gorm.DB, scope, handlerName, messageId string, fn func() error) (skipped bool, err error) {
	if messageId == "" {
		return false, fn()
	}
	skip, err := BeginIdempotency(db, scope, handlerName, messageId)
	if err != nil {
		return false, err
	}
	if skip {
		return true, nil
	}
	if runErr := fn(); runErr != nil {
		_ = MarkIdempotencyFailed(db, scope, handlerName, messageId, runErr)
		return false, runErr
	}
	return false, MarkIdempotencySucceeded(db, scope, handlerName, messageId)
}
