package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/rfgw/pkg/radius"
)

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}

// loadConfigFile reads a YAML file whose keys are flag names and applies the
// values to flags not set on the command line. A missing file is not an error.
func loadConfigFile(cmd *cobra.Command, logger *zap.Logger) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg map[string]string
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}

	logger.Info("Loaded config file", zap.String("path", configFile), zap.Int("keys", len(cfg)))

	for key, val := range cfg {
		f := cmd.Flags().Lookup(key)
		if f == nil {
			logger.Warn("Unknown config key, skipping", zap.String("key", key))
			continue
		}
		if cmd.Flags().Changed(key) {
			continue
		}
		if err := cmd.Flags().Set(key, val); err != nil {
			return fmt.Errorf("config key %s: %w", key, err)
		}
	}

	return nil
}

// parseRADIUSServers parses comma-separated host[:port] accounting servers.
func parseRADIUSServers(servers, secret string) []radius.ServerConfig {
	var result []radius.ServerConfig
	for _, s := range strings.Split(servers, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		host, port := parseHostPort(s, 1813)
		result = append(result, radius.ServerConfig{
			Host:   host,
			Port:   port,
			Secret: secret,
		})
	}
	return result
}

// parseHostPort splits host:port, returning defaultPort when the port is
// missing or invalid.
func parseHostPort(s string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return strings.Trim(s, "[]"), defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return host, defaultPort
	}
	return host, port
}

// resolveSecret reads a secret from a file if the file flag is set,
// falling back to the direct string flag. When the direct flag is used,
// a deprecation warning is logged because CLI arguments are visible in
// process listings (ps output).
func resolveSecret(direct, filePath, directFlag, fileFlag string, logger *zap.Logger) string {
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			logger.Error("Failed to read secret file",
				zap.String("flag", fileFlag),
				zap.String("path", filePath),
				zap.Error(err),
			)
			return ""
		}
		secret := strings.TrimSpace(string(data))
		if direct != "" {
			logger.Warn("Both --"+directFlag+" and --"+fileFlag+" set; using file",
				zap.String("file", filePath),
			)
		}
		return secret
	}
	if direct != "" {
		logger.Warn("--"+directFlag+" is deprecated: secret is visible in process listings. Use --"+fileFlag+" instead.",
			zap.String("flag", directFlag),
		)
	}
	return direct
}
