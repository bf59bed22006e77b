package basebackup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	autoConfFileName      = "postgresql.auto.conf"
	standbySignalFileName = "standby.signal"
)

// WriteRecoveryConfig appends the primary connection settings to
// postgresql.auto.conf and creates standby.signal, so a restored instance
// resumes streaming from the source. Slot name is included only when a
// permanent slot was used.
func WriteRecoveryConfig(destDir, connInfo, slotName string, fileMode os.FileMode) error {
	var sb strings.Builder
	sb.WriteString("# recovery settings added by pgbasebackup\n")
	sb.WriteString(fmt.Sprintf("primary_conninfo = %s\n", quoteConfValue(connInfo)))
	if slotName != "" {
		sb.WriteString(fmt.Sprintf("primary_slot_name = %s\n", quoteConfValue(slotName)))
	}

	autoConf := filepath.Join(destDir, autoConfFileName)
	f, err := os.OpenFile(autoConf, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
	if err != nil {
		return fmt.Errorf("open %s: %w", autoConf, err)
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	signal := filepath.Join(destDir, standbySignalFileName)
	if err := os.WriteFile(signal, nil, fileMode); err != nil {
		return fmt.Errorf("write %s: %w", signal, err)
	}
	return nil
}

// quoteConfValue renders a postgresql.conf single-quoted literal.
func quoteConfValue(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}
