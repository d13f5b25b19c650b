package store

// Storage prefixes
const (
	TransactionPrefix = "tx-"
	BalancePrefix     = "bal-"
	CrossShardPrefix  = "xs-"
	IntentPrefix      = "in-"
)
