package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// New builds the controller's production logger: JSON to stdout, errors to
// stderr, bridged to logr for the parts of the stack (client-go, the
// Kubernetes Adapter) that speak logr rather than zap directly.
func New(development bool) (*zap.Logger, logr.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	zl, err := cfg.Build()
	if err != nil {
		return nil, logr.Logger{}, err
	}
	return zl, zapr.NewLogger(zl), nil
}
