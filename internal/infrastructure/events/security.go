package events

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/eduflowhq/cdp-backend/internal/infrastructure/config"
)

// brokerSecurity translates the broker security settings into the SASL
// mechanism and TLS config used by writers and readers. PLAINTEXT yields
// nil for both.
func brokerSecurity(cfg *config.KafkaConfig) (sasl.Mechanism, *tls.Config, error) {
	var (
		useTLS  bool
		useSASL bool
	)

	switch strings.ToUpper(cfg.SecurityProtocol) {
	case "", "PLAINTEXT":
	case "SSL":
		useTLS = true
	case "SASL_PLAINTEXT":
		useSASL = true
	case "SASL_SSL":
		useTLS = true
		useSASL = true
	default:
		return nil, nil, fmt.Errorf("unsupported security protocol %q", cfg.SecurityProtocol)
	}

	var tlsCfg *tls.Config
	if useTLS {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if !useSASL {
		return nil, tlsCfg, nil
	}

	switch strings.ToUpper(cfg.SASLMechanism) {
	case "", "PLAIN":
		return plain.Mechanism{
			Username: cfg.SASLUsername,
			Password: cfg.SASLPassword,
		}, tlsCfg, nil
	case "SCRAM-SHA-256":
		mech, err := scram.Mechanism(scram.SHA256, cfg.SASLUsername, cfg.SASLPassword)
		if err != nil {
			return nil, nil, fmt.Errorf("building scram mechanism: %w", err)
		}
		return mech, tlsCfg, nil
	case "SCRAM-SHA-512":
		mech, err := scram.Mechanism(scram.SHA512, cfg.SASLUsername, cfg.SASLPassword)
		if err != nil {
			return nil, nil, fmt.Errorf("building scram mechanism: %w", err)
		}
		return mech, tlsCfg, nil
	default:
		return nil, nil, fmt.Errorf("unsupported SASL mechanism %q", cfg.SASLMechanism)
	}
}
