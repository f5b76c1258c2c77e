package config

import (
	"github.com/theroutercompany/crop_advisor/internal/artifact"
	advisormetrics "github.com/theroutercompany/crop_advisor/pkg/advisor/metrics"
	pkglog "github.com/theroutercompany/crop_advisor/pkg/log"
)

// Options converts the artifacts section into loader options.
func (a ArtifactsConfig) Options() artifact.Options {
	return artifact.Options{
		Dir:              a.Dir,
		ModelFile:        a.Model,
		ScalerFile:       a.Scaler,
		LabelEncoderFile: a.LabelEncoder,
		ONNX: artifact.ONNXOptions{
			LibraryPath: a.ONNX.LibraryPath,
			InputName:   a.ONNX.InputName,
			OutputName:  a.ONNX.OutputName,
		},
	}
}

// Options converts the log section into logger options.
func (l LogConfig) Options() pkglog.Options {
	return pkglog.Options{
		Level:      l.Level,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// Options converts the metrics section into registry options.
func (m MetricsConfig) Options(version string) advisormetrics.Options {
	return advisormetrics.Options{
		Namespace:         m.Namespace,
		Version:           version,
		RuntimeCollectors: m.RuntimeCollectors,
	}
}
