package api

import (
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// GoalResponse is returned by POST /api/v1/goals.
type GoalResponse struct {
	Group    *models.TaskGroup `json:"group"`
	RootTask *models.Task      `json:"root_task"`
}

// GoalDetailResponse is returned by GET /api/v1/goals/:id.
type GoalDetailResponse struct {
	Group *models.TaskGroup `json:"group"`
	Tasks []*models.Task    `json:"tasks"`
}

// RoleResponse describes one configured role for GET /api/v1/roles.
type RoleResponse struct {
	Role         string   `json:"role"`
	DisplayName  string   `json:"display_name,omitempty"`
	Prefix       string   `json:"prefix"`
	Accepts      []string `json:"accepts"`
	Produces     []string `json:"produces,omitempty"`
	MaxInstances int      `json:"max_instances"`
	AutoScale    bool     `json:"auto_scale"`
	Loops        int      `json:"loops"`
	Paused       bool     `json:"paused"`
}
