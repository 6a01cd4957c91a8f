package models

import (
	"log"

	"github.com/mmdatafocus/kickback_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Venue{}, &VenueLocation{},
		&Claim{}, &CardBinding{},
		&LedgerEntry{}, &PayoutBatch{}, &PayoutBatchClaim{}, &PayoutProfile{},
		&VenuePaymentRequest{},
		&PayToAgreement{}, &PayToPayment{}, &PayToRefund{}, &ZeptoConnection{},
		&SquareConnection{}, &SquareSyncRun{}, &SquareSyncError{},
		&WebhookEvent{}, &IdempotencyKey{}, &NotificationOutbox{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
