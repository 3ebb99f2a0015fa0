package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchNonceFindsSolutionUnderEasyTarget(t *testing.T) {
	var easy [32]byte
	for i := range easy {
		easy[i] = 0xff
	}
	b := &Block{Length: 1, HasPrev: true, PrevHash: Hash{1}, Miner: Address{2}, Target: easy}

	ok, err := SearchNonce(context.Background(), &StopFlag{}, b, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	hash, err := b.BlockHash()
	require.NoError(t, err)
	assert.True(t, BelowTarget(hash, b.Target))
}

func TestSearchNonceAbortsOnStopFlag(t *testing.T) {
	var hard [32]byte
	hard[31] = 0x01 // effectively impossible to satisfy within a reasonable loop
	b := &Block{Length: 1, HasPrev: true, PrevHash: Hash{1}, Miner: Address{2}, Target: hard}

	stop := &StopFlag{}
	stop.Stop()

	ok, err := SearchNonce(context.Background(), stop, b, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSearchNonceAbortsOnTipChanged(t *testing.T) {
	var hard [32]byte
	hard[31] = 0x01
	b := &Block{Length: 1, HasPrev: true, PrevHash: Hash{1}, Miner: Address{2}, Target: hard}

	ok, err := SearchNonce(context.Background(), &StopFlag{}, b, func() bool { return true })
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSearchNonceAbortsOnContextCancel(t *testing.T) {
	var hard [32]byte
	hard[31] = 0x01
	b := &Block{Length: 1, HasPrev: true, PrevHash: Hash{1}, Miner: Address{2}, Target: hard}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := SearchNonce(ctx, &StopFlag{}, b, nil)
	assert.False(t, ok)
	assert.Error(t, err)
}
