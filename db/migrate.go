package db

import (
	"fmt"
)

// Migrate creates or updates the full jobmon schema.
func (s *Store) Migrate() error {
	err := s.DB.AutoMigrate(
		&Tool{},
		&ToolVersion{},
		&TaskTemplate{},
		&TaskTemplateVersion{},
		&Dag{},
		&Node{},
		&Edge{},
		&Workflow{},
		&WorkflowRun{},
		&Array{},
		&Task{},
		&TaskInstance{},
		&TaskInstanceErrorLog{},
		&TaskStatusAudit{},
		&TaskResources{},
		&ReaperLease{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
