package mcpcage

import (
	"strconv"
	"strings"

	"github.com/everydev1618/mcpcage/container"
	"github.com/everydev1618/mcpcage/tools"
)

// noProxy lists destinations that bypass the egress proxy inside the sandbox.
const noProxy = "localhost,127.0.0.1,::1"

// Environment names understood by the sandboxed tool server.
const (
	toolEnvURL            = "CONFLUENCE_URL"
	toolEnvUsername       = "CONFLUENCE_USERNAME"
	toolEnvToken          = "CONFLUENCE_API_TOKEN"
	toolEnvSpacesFilter   = "CONFLUENCE_SPACES_FILTER"
	toolEnvProjectsFilter = "JIRA_PROJECTS_FILTER"
	toolEnvReadOnly       = "READ_ONLY_MODE"
	toolEnvEnabledTools   = "ENABLED_TOOLS"
)

// LaunchRequest collects everything ToolParams needs.
type LaunchRequest struct {
	Config    Config
	Settings  Settings
	Allowlist tools.Allowlist
	ProxyAddr string
	SessionID string
}

// ToolParams builds the run parameters for the ephemeral tool container.
// Credentials travel as environment entries and never as argv values.
func ToolParams(req LaunchRequest) container.RunParams {
	s := req.Settings.Tool

	env := []container.EnvVar{
		{Name: toolEnvURL, Value: req.Config.ConfluenceURL()},
		{Name: toolEnvUsername, Value: req.Config.Email},
		{Name: toolEnvToken, Value: req.Config.APIToken},
	}
	if req.Config.SpacesFilter != "" {
		env = append(env, container.EnvVar{Name: toolEnvSpacesFilter, Value: req.Config.SpacesFilter})
	}
	if req.Config.ProjectsFilter != "" {
		env = append(env, container.EnvVar{Name: toolEnvProjectsFilter, Value: req.Config.ProjectsFilter})
	}
	env = append(env,
		container.EnvVar{Name: toolEnvReadOnly, Value: strconv.FormatBool(!req.Config.WriteEnabled)},
		container.EnvVar{Name: toolEnvEnabledTools, Value: req.Allowlist.String()},
	)
	for _, name := range []string{"HTTP_PROXY", "HTTPS_PROXY", "http_proxy", "https_proxy"} {
		env = append(env, container.EnvVar{Name: name, Value: req.ProxyAddr})
	}
	for _, name := range []string{"NO_PROXY", "no_proxy"} {
		env = append(env, container.EnvVar{Name: name, Value: noProxy})
	}

	tmp := container.Mount{Target: "/tmp", Size: s.TmpSize, UID: s.UID, GID: s.GID}

	return container.RunParams{
		Name:      s.ContainerName,
		Image:     s.Image,
		Network:   req.Settings.Network,
		Lifecycle: container.Ephemeral,
		Security:  container.DefaultSecurityProfile(s.Memory, s.CPUs, s.Pids, tmp),
		User:      strconv.Itoa(s.UID) + ":" + strconv.Itoa(s.GID),
		Env:       env,
		Labels:    sessionLabels(req.SessionID, "tool"),
	}
}

// sessionLabels marks containers started by this invocation.
func sessionLabels(session, role string) map[string]string {
	labels := map[string]string{
		container.LabelManagedBy: container.ManagedByValue,
		container.LabelRole:      role,
	}
	if session = strings.TrimSpace(session); session != "" {
		labels[container.LabelSession] = session
	}
	return labels
}
