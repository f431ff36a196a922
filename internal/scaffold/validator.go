package scaffold

import (
	"fmt"
	"os"

	"github.com/dyluth/drey/internal/config"
)

// CheckExisting checks if drey.yml or catalog.yaml already exist.
// Returns an error if they do, nil otherwise.
func CheckExisting() error {
	var existingFiles []string

	for _, name := range []string{config.DefaultPath, "catalog.yaml"} {
		if _, err := os.Stat(name); err == nil {
			existingFiles = append(existingFiles, name)
		}
	}

	if len(existingFiles) > 0 {
		errMsg := "project already initialized\n\nFound existing"
		if len(existingFiles) == 1 {
			errMsg += fmt.Sprintf(": %s", existingFiles[0])
		} else {
			errMsg += " files:\n"
			for _, file := range existingFiles {
				errMsg += fmt.Sprintf("  - %s\n", file)
			}
		}
		errMsg += "\nUse 'drey init --force' to reinitialize (this will overwrite existing configuration)"

		return fmt.Errorf("%s", errMsg)
	}

	return nil
}
