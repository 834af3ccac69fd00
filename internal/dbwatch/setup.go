package dbwatch

import (
	"database/sql"
	"fmt"
)

// Execer is the slice of *sql.DB the trigger setup needs.
type Execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

const createNotifyFunction = `
CREATE OR REPLACE FUNCTION notify_new_payin_address()
RETURNS TRIGGER AS $$
BEGIN
  PERFORM pg_notify(CAST('bitcoin' AS TEXT), NEW.pay_in_bitcoin_address);
  PERFORM pg_notify(CAST('ether' AS TEXT), NEW.pay_in_ether_address);
  RETURN NEW;
END;
$$ LANGUAGE 'plpgsql';`

const dropNotifyTrigger = `DROP TRIGGER IF EXISTS notify_new_payin_address ON investor;`

const createNotifyTrigger = `
CREATE TRIGGER notify_new_payin_address
  AFTER UPDATE OF pay_in_ether_address, pay_in_bitcoin_address ON investor
  FOR EACH ROW
  EXECUTE PROCEDURE notify_new_payin_address();`

// Setup installs the server-side trigger and function that announce new
// pay-in addresses. Replace-if-exists semantics make it safe to apply on
// every startup: re-running it yields no error and no duplicate trigger.
//
// The trigger notifies both channels on any qualifying update, even when only
// one currency's address changed; consumers tolerate the extra notification.
func Setup(db Execer) error {
	if _, err := db.Exec(createNotifyFunction); err != nil {
		return fmt.Errorf("create notify function: %w", err)
	}
	if _, err := db.Exec(dropNotifyTrigger); err != nil {
		return fmt.Errorf("drop stale notify trigger: %w", err)
	}
	if _, err := db.Exec(createNotifyTrigger); err != nil {
		return fmt.Errorf("create notify trigger: %w", err)
	}
	return nil
}
