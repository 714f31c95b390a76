package models

import (
	"log"

	"bitbucket.org/mmdatafocus/ledger_export_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&ExportRecord{},
		&RuleVersion{}, &RuleCandidate{},
		&AuditEntry{},
		&LedgerConnection{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
