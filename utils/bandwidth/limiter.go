// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bandwidth provides a token-bucket egress/ingress rate limiter for
// peer connections.
package bandwidth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"go.uber.org/zap"
)

// Config defines Limiter configuration. Rates are expressed in bits per
// second, converted internally into tokens of TokenSize bits apiece.
type Config struct {
	EgressBitsPerSec  uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`

	// TokenSize is the number of bits one token represents. A smaller
	// TokenSize yields finer-grained (but more frequent) rate limiting.
	TokenSize uint64 `yaml:"token_size"`

	Enable bool `yaml:"enable"`
}

type options struct {
	logger *zap.SugaredLogger
}

// Option configures optional Limiter behavior.
type Option func(*options)

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *options) { o.logger = logger }
}

// Limiter rate limits egress / ingress traffic using a token bucket per
// direction. When disabled, reservations are always immediately granted.
type Limiter struct {
	tokenBits uint64

	egress  *rate.Limiter
	ingress *rate.Limiter

	// Base, unadjusted token rates, preserved so that Adjust always scales
	// from the original configured rate rather than compounding.
	baseEgressTokens  int64
	baseIngressTokens int64

	logger *zap.SugaredLogger
}

// NewLimiter creates a new Limiter. If config.Enable is false, the returned
// Limiter never blocks reservations.
func NewLimiter(config Config, opts ...Option) (*Limiter, error) {
	o := &options{logger: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(o)
	}

	tokenBits := config.TokenSize
	if tokenBits == 0 {
		tokenBits = 1
	}

	l := &Limiter{tokenBits: tokenBits, logger: o.logger}

	if !config.Enable {
		return l, nil
	}
	if config.EgressBitsPerSec == 0 {
		return nil, errors.New("egress bits per sec must be positive when enabled")
	}
	if config.IngressBitsPerSec == 0 {
		return nil, errors.New("ingress bits per sec must be positive when enabled")
	}

	l.baseEgressTokens = tokensPerSec(config.EgressBitsPerSec, tokenBits)
	l.baseIngressTokens = tokensPerSec(config.IngressBitsPerSec, tokenBits)
	l.egress = rate.NewLimiter(rate.Limit(l.baseEgressTokens), int(l.baseEgressTokens))
	l.ingress = rate.NewLimiter(rate.Limit(l.baseIngressTokens), int(l.baseIngressTokens))

	return l, nil
}

func tokensPerSec(bitsPerSec, tokenBits uint64) int64 {
	return int64(bitsPerSec / tokenBits)
}

func tokensForBytes(nbytes int64, tokenBits uint64) int {
	bits := uint64(nbytes) * 8
	tokens := bits / tokenBits
	if tokens == 0 {
		tokens = 1
	}
	return int(tokens)
}

// ReserveEgress blocks until nbytes worth of egress tokens are available.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	return l.reserve(l.egress, nbytes)
}

// ReserveIngress blocks until nbytes worth of ingress tokens are available.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	return l.reserve(l.ingress, nbytes)
}

func (l *Limiter) reserve(lim *rate.Limiter, nbytes int64) error {
	if lim == nil {
		return nil
	}
	tokens := tokensForBytes(nbytes, l.tokenBits)
	if err := lim.WaitN(context.Background(), tokens); err != nil {
		l.logger.Errorf("Error reserving %d bandwidth tokens: %s", tokens, err)
		return err
	}
	return nil
}

// Adjust scales both directions' rates down to base/denom tokens per
// second, floored at 1 token/sec so a large denom never stalls the
// connection entirely. Scaling is always relative to the original
// configured rate, not the currently adjusted one.
func (l *Limiter) Adjust(denom int) error {
	if denom <= 0 {
		return fmt.Errorf("denom must be positive, got %d", denom)
	}
	if l.egress == nil {
		// Disabled.
		return nil
	}
	newEgress := max(int64(1), l.baseEgressTokens/int64(denom))
	newIngress := max(int64(1), l.baseIngressTokens/int64(denom))
	l.egress.SetLimit(rate.Limit(newEgress))
	l.egress.SetBurst(int(newEgress))
	l.ingress.SetLimit(rate.Limit(newIngress))
	l.ingress.SetBurst(int(newIngress))
	return nil
}

// EgressLimit returns the current egress rate in tokens per second.
func (l *Limiter) EgressLimit() int64 {
	if l.egress == nil {
		return 0
	}
	return int64(l.egress.Limit())
}

// IngressLimit returns the current ingress rate in tokens per second.
func (l *Limiter) IngressLimit() int64 {
	if l.ingress == nil {
		return 0
	}
	return int64(l.ingress.Limit())
}
