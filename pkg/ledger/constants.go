package ledger

import "time"

const (
	operationGrant  = "grant"
	operationCharge = "charge"
	operationSweep  = "sweep"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusDeclined = "declined"
	operationStatusNoop     = "noop"

	externalRefDelimiter = ":"
	maxExternalRefLength = 255
	defaultMetadataJSON  = "{}"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	defaultSweepBatch   = 500

	day = 24 * time.Hour
)
