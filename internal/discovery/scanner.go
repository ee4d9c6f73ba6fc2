// internal/discovery/scanner.go
package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"picoammeter-service/internal/model"
)

// PortScanner lists serial ports that can currently be opened
type PortScanner interface {
	ListPorts(ctx context.Context) ([]string, error)
	GetScannerType() string
}

// RequirePorts runs the scanner and treats an empty result as ErrNoPorts
func RequirePorts(ctx context.Context, scanner PortScanner, logger *zap.Logger) ([]string, error) {
	ports, err := scanner.ListPorts(ctx)
	if err != nil {
		logger.Error("Port scan failed", zap.String("type", scanner.GetScannerType()), zap.Error(err))
		return nil, fmt.Errorf("%s scan: %w", scanner.GetScannerType(), err)
	}

	if len(ports) == 0 {
		logger.Warn("Port scan found nothing", zap.String("type", scanner.GetScannerType()))
		return nil, model.ErrNoPorts
	}

	logger.Info("Scanner completed",
		zap.String("type", scanner.GetScannerType()),
		zap.Strings("ports", ports),
	)
	return ports, nil
}
