package scaffold

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckExisting(t *testing.T) {
	tests := []struct {
		name      string
		setupFunc func(string)
		wantErr   bool
		errMsg    string
	}{
		{
			name:      "no existing files",
			setupFunc: func(dir string) {},
			wantErr:   false,
		},
		{
			name: "existing drey.yml only",
			setupFunc: func(dir string) {
				if err := os.WriteFile(filepath.Join(dir, "drey.yml"), []byte("version: \"1\""), 0644); err != nil {
					t.Fatal(err)
				}
			},
			wantErr: true,
			errMsg:  "drey.yml",
		},
		{
			name: "existing catalog.yaml only",
			setupFunc: func(dir string) {
				if err := os.WriteFile(filepath.Join(dir, "catalog.yaml"), []byte("features: []"), 0644); err != nil {
					t.Fatal(err)
				}
			},
			wantErr: true,
			errMsg:  "catalog.yaml",
		},
		{
			name: "both files existing",
			setupFunc: func(dir string) {
				os.WriteFile(filepath.Join(dir, "drey.yml"), []byte("version: \"1\""), 0644)
				os.WriteFile(filepath.Join(dir, "catalog.yaml"), []byte("features: []"), 0644)
			},
			wantErr: true,
			errMsg:  "files:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := chdirTemp(t)
			tt.setupFunc(tmpDir)

			err := CheckExisting()

			if (err != nil) != tt.wantErr {
				t.Errorf("CheckExisting() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if tt.wantErr {
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("CheckExisting() error %q does not mention %q", err.Error(), tt.errMsg)
				}
				if !strings.Contains(err.Error(), "drey init --force") {
					t.Errorf("CheckExisting() error should suggest --force, got %q", err.Error())
				}
			}
		})
	}
}
