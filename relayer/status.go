package relayer

import msqpay "github.com/msqpay/relay-go"

// NormalizeStatus collapses the relay backend's status vocabulary into the
// closed four-state enum. All synonyms for "accepted but not yet mined"
// map to pending, and new backend synonyms belong here and nowhere else.
// Unknown vocabulary defaults to pending rather than inventing a terminal
// state the backend never reported.
func NormalizeStatus(backendStatus string) msqpay.RelayStatus {
	switch backendStatus {
	case "pending", "sent", "submitted", "inmempool":
		return msqpay.RelayStatusPending
	case "mined":
		return msqpay.RelayStatusMined
	case "confirmed":
		return msqpay.RelayStatusConfirmed
	case "failed":
		return msqpay.RelayStatusFailed
	default:
		return msqpay.RelayStatusPending
	}
}
