package service

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/task/dto"
)

// seedFile is the YAML shape of a task seed file.
type seedFile struct {
	Tasks []seedTask `yaml:"tasks"`
}

type seedTask struct {
	Name               string            `yaml:"task_name"`
	Description        string            `yaml:"description"`
	TemplatePrompt     string            `yaml:"template_prompt"`
	RequiredParameters []string          `yaml:"required_parameters"`
	OptionalParameters map[string]string `yaml:"optional_parameters"`
	ScheduleCron       string            `yaml:"schedule_cron"`
	ScheduleTimezone   string            `yaml:"schedule_timezone"`
	Enabled            *bool             `yaml:"enabled"`
	WorkspaceType      string            `yaml:"workspace_type"`
	WorkspaceID        *string           `yaml:"workspace_id"`
}

// SeedFromFile loads task definitions from a YAML file and creates the
// ones whose names do not exist yet. Existing tasks are never modified,
// so operator edits survive restarts. Returns the number created.
func (s *Service) SeedFromFile(ctx context.Context, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("Task seed file not found", zap.String("path", path))
			return 0, nil
		}
		return 0, apperrors.InternalError("failed to read task seed file", err)
	}

	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, apperrors.BadRequest(fmt.Sprintf("invalid task seed file %s: %v", path, err))
	}

	created := 0
	for _, seed := range file.Tasks {
		if seed.Name == "" {
			s.logger.Warn("Skipping seed task without a name", zap.String("path", path))
			continue
		}
		if _, err := s.store.GetTaskByName(ctx, seed.Name); err == nil {
			continue
		} else if !apperrors.IsNotFound(err) {
			return created, err
		}

		req := &dto.CreateTaskRequest{
			Name:               seed.Name,
			Description:        seed.Description,
			TemplatePrompt:     seed.TemplatePrompt,
			RequiredParameters: seed.RequiredParameters,
			OptionalParameters: seed.OptionalParameters,
			ScheduleCron:       seed.ScheduleCron,
			ScheduleTimezone:   seed.ScheduleTimezone,
			Enabled:            seed.Enabled,
			WorkspaceType:      seed.WorkspaceType,
			WorkspaceID:        seed.WorkspaceID,
			OwnerUserID:        "seed",
		}
		if _, err := s.Create(ctx, req); err != nil {
			s.logger.Error("Failed to create seed task",
				zap.String("task_name", seed.Name), zap.Error(err))
			continue
		}
		created++
	}

	if created > 0 {
		s.logger.Info("Seeded tasks", zap.Int("created", created), zap.String("path", path))
	}
	return created, nil
}
