package kafka

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/config"
)

// BuildSaramaConfig derives the client configuration from node settings.
// SASL is enabled when credentials are present, and SCRAM mechanisms force
// TLS so credentials never cross the wire in cleartext.
func BuildSaramaConfig(cfg *config.NodeConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V3_6_0_0
	sc.ClientID = cfg.NodeID

	sc.Net.DialTimeout = 30 * time.Second
	sc.Net.ReadTimeout = 30 * time.Second
	sc.Net.WriteTimeout = 30 * time.Second

	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true

	if cfg.KafkaSASLUser == "" {
		return sc, nil
	}
	if cfg.KafkaSASLPassword == "" {
		return nil, fmt.Errorf("kafka: SASL user set without password")
	}

	sc.Net.SASL.Enable = true
	sc.Net.SASL.User = cfg.KafkaSASLUser
	sc.Net.SASL.Password = cfg.KafkaSASLPassword
	sc.Net.TLS.Enable = true
	sc.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}

	switch cfg.KafkaSASLMech {
	case "SCRAM-SHA-512", "":
		sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
		}
	case "SCRAM-SHA-256":
		sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
		}
	case "PLAIN":
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	default:
		return nil, fmt.Errorf("kafka: unsupported SASL mechanism %q", cfg.KafkaSASLMech)
	}

	return sc, nil
}
