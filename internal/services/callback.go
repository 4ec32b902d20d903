package services

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// RunCallback executes script with the comma-joined image ids as its only
// argument. An empty script is a no-op.
func RunCallback(ctx context.Context, logger *slog.Logger, script string, imageIDs []string) error {
	if script == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	ids := strings.Join(imageIDs, ",")
	cmd := exec.CommandContext(ctx, script, ids)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("callback script %s: %w: %s", script, err, strings.TrimSpace(string(output)))
	}
	logger.Info("callback script completed", "script", script, "image_ids", ids)
	return nil
}
