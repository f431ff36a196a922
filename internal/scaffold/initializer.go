package scaffold

import (
	"embed"
	"fmt"
	"os"

	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/pkg/den"
)

//go:embed templates/*
var templatesFS embed.FS

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize creates the drey project files in the current directory:
// drey.yml, catalog.yaml, and the den directory with its .gitignore.
// If force is true, existing drey.yml and catalog.yaml are removed first.
func Initialize(force bool) error {
	if force {
		if err := handleForce(); err != nil {
			return err
		}
	}

	files, err := getTemplateFiles()
	if err != nil {
		return err
	}

	if err := writeFiles(files); err != nil {
		return err
	}

	return validateCreatedFiles()
}

// handleForce removes existing files if --force was specified. The den
// directory is left alone; run state is not configuration.
func handleForce() error {
	for _, name := range []string{config.DefaultPath, "catalog.yaml"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		fmt.Printf("⚠️  Removing existing %s...\n", name)
		if err := os.Remove(name); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return nil
}

// getTemplateFiles reads all embedded template files
func getTemplateFiles() ([]FileInfo, error) {
	files := []FileInfo{}

	dreyYml, err := templatesFS.ReadFile("templates/drey.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read drey.yml template: %w", err)
	}
	files = append(files, FileInfo{
		Path:        config.DefaultPath,
		Content:     dreyYml,
		Permissions: 0644,
	})

	catalogYaml, err := templatesFS.ReadFile("templates/catalog.yaml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog.yaml template: %w", err)
	}
	files = append(files, FileInfo{
		Path:        "catalog.yaml",
		Content:     catalogYaml,
		Permissions: 0644,
	})

	return files, nil
}

// writeFiles writes all template files to disk
func writeFiles(files []FileInfo) error {
	for _, file := range files {
		if err := os.WriteFile(file.Path, file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}
	return nil
}

// validateCreatedFiles loads the written configuration and catalog back
// through the real parsers, and creates the den directory the config names.
func validateCreatedFiles() error {
	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		return fmt.Errorf("created %s is not a valid configuration: %w", config.DefaultPath, err)
	}

	catalog, err := den.LoadCatalog(cfg.Paths.Catalog)
	if err != nil {
		return fmt.Errorf("created %s is not a valid catalog: %w", cfg.Paths.Catalog, err)
	}
	if len(catalog.Features) == 0 {
		return fmt.Errorf("created %s has no features", cfg.Paths.Catalog)
	}

	if err := cfg.Layout().Ensure(); err != nil {
		return fmt.Errorf("failed to create den directory %s: %w", cfg.Paths.Den, err)
	}

	return nil
}

// PrintSuccess prints the success message with created files
func PrintSuccess() {
	fmt.Println("\n✅ Successfully initialized drey project!")
	fmt.Println("\nCreated:")
	fmt.Println("  ✓ drey.yml")
	fmt.Println("  ✓ catalog.yaml")
	fmt.Println("  ✓ .drey/ (run state; already gitignored)")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit catalog.yaml to describe your features and their dependencies")
	fmt.Println("  2. Adjust builder.command in drey.yml if you use a different coding agent")
	fmt.Println("  3. Run 'drey run' to start the orchestrator")
}
