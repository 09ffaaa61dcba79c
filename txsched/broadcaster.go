package txsched

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gassaver/scheduler-node/metrics"
)

var ErrInvalidRelay = errors.New("invalid relay entry")

// ErrAllRelaysFailed reports that no relay accepted a submission.
var ErrAllRelaysFailed = errors.New("no relay accepted the submission")

type RelaysConfig struct {
	Relays []struct {
		Name     string `yaml:"name"`
		URL      string `yaml:"url"`
		Primary  bool   `yaml:"primary"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"relays"`
}

// LoadRelayConfig parses a relay config from a file.
func LoadRelayConfig(file string) (RelayBackend, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return RelayBackend{}, err
	}

	var config RelaysConfig
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return RelayBackend{}, err
	}

	primary := make([]JSONRPCRelay, 0)
	secondary := make([]JSONRPCRelay, 0)
	for _, relay := range config.Relays {
		if relay.Disabled {
			continue
		}
		if relay.Name == "" || relay.URL == "" {
			return RelayBackend{}, ErrInvalidRelay
		}

		backend := JSONRPCRelay{
			Name:   relay.Name,
			Client: jsonrpc.NewClient(relay.URL),
		}
		if relay.Primary {
			primary = append(primary, backend)
		} else {
			secondary = append(secondary, backend)
		}
	}

	if len(primary) == 0 && len(secondary) == 0 {
		return RelayBackend{}, ErrInvalidRelay
	}

	return RelayBackend{
		primaryRelays:   primary,
		secondaryRelays: secondary,
	}, nil
}

type JSONRPCRelay struct {
	Name   string
	Client jsonrpc.RPCClient
}

func (r *JSONRPCRelay) SubmitTransaction(ctx context.Context, req *SubmissionRequest) error {
	res, err := r.Client.Call(ctx, "relay_submitTransaction", []SubmissionRequest{*req})
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	return nil
}

// RelayBackend fans a submission out to every configured relay in parallel.
// Primary relays decide the overall result: the submission counts as sent
// when at least one primary accepts it, or any relay at all when no primary
// is configured. Secondary relays are best effort.
type RelayBackend struct {
	primaryRelays   []JSONRPCRelay
	secondaryRelays []JSONRPCRelay

	log *zap.Logger
}

func (b *RelayBackend) WithLogger(log *zap.Logger) *RelayBackend {
	b.log = log.Named("relays")
	return b
}

func (b *RelayBackend) SubmitTransaction(ctx context.Context, req *SubmissionRequest) error {
	logger := b.log
	if logger == nil {
		logger = zap.NewNop()
	}

	var wg sync.WaitGroup
	primarySuccess := make([]bool, len(b.primaryRelays))
	for idx, relay := range b.primaryRelays {
		wg.Add(1)
		go func(relay JSONRPCRelay, idx int) {
			defer wg.Done()

			start := time.Now()
			err := relay.SubmitTransaction(ctx, req)
			metrics.RecordRPCCallDuration(time.Since(start).Milliseconds())
			logger.Debug("sent transaction to primary relay",
				zap.String("relay", relay.Name),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))

			if err != nil {
				logger.Warn("failed to send transaction to primary relay",
					zap.Error(err), zap.String("relay", relay.Name))
			} else {
				primarySuccess[idx] = true
			}
		}(relay, idx)
	}

	secondarySuccess := make([]bool, len(b.secondaryRelays))
	for idx, relay := range b.secondaryRelays {
		wg.Add(1)
		go func(relay JSONRPCRelay, idx int) {
			defer wg.Done()

			start := time.Now()
			err := relay.SubmitTransaction(ctx, req)
			metrics.RecordRPCCallDuration(time.Since(start).Milliseconds())
			logger.Debug("sent transaction to secondary relay",
				zap.String("relay", relay.Name),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))

			if err != nil {
				logger.Warn("failed to send transaction to secondary relay",
					zap.Error(err), zap.String("relay", relay.Name))
			} else {
				secondarySuccess[idx] = true
			}
		}(relay, idx)
	}

	wg.Wait()

	for _, ok := range primarySuccess {
		if ok {
			return nil
		}
	}
	if len(b.primaryRelays) == 0 {
		for _, ok := range secondarySuccess {
			if ok {
				return nil
			}
		}
	}
	return ErrAllRelaysFailed
}
