//go:build !unix

package provider

import "os/exec"

// configureCommand 使用 exec.CommandContext 默认的 Kill 行为。
func configureCommand(cmd *exec.Cmd) {}
