package constant

import "fmt"

const (
	StatusStreamName       = "ibkr_status"
	StatusStreamSubjectAll = "ibkr.status.*"

	ClientIDLeaseKeyPrefix = "ibkr:client-id-lease"
)

func GetStatusStreamSubject(clientID int) string {
	return fmt.Sprintf("ibkr.status.%d", clientID)
}

func GetClientIDLeaseKey(host string, port, clientID int) string {
	return fmt.Sprintf("%s:%s:%d:%d", ClientIDLeaseKeyPrefix, host, port, clientID)
}
