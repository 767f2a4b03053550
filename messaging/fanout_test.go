package messaging

import (
	"testing"

	"github.com/glimte/relay/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanout(t *testing.T) {
	t.Run("settles the wire once after every member settled", func(t *testing.T) {
		wire := newTestDelivery("", "")
		f := newFanout(wire, 2)
		first, second := f.member(), f.member()

		require.NoError(t, first.Ack())
		assert.Empty(t, wire.settled())

		require.NoError(t, second.Ack())
		assert.Equal(t, []contracts.Outcome{contracts.OutcomeAck}, wire.settled())
	})

	t.Run("the strongest outcome wins", func(t *testing.T) {
		tests := []struct {
			name     string
			outcomes []contracts.Outcome
			want     contracts.Outcome
		}{
			{"nack over ack", []contracts.Outcome{contracts.OutcomeAck, contracts.OutcomeNack}, contracts.OutcomeNack},
			{"reject over nack", []contracts.Outcome{contracts.OutcomeNack, contracts.OutcomeReject, contracts.OutcomeAck}, contracts.OutcomeReject},
			{"all acks", []contracts.Outcome{contracts.OutcomeAck, contracts.OutcomeAck}, contracts.OutcomeAck},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				wire := newTestDelivery("", "")
				f := newFanout(wire, len(tt.outcomes))
				for _, o := range tt.outcomes {
					require.NoError(t, f.member().settle(o))
				}
				assert.Equal(t, []contracts.Outcome{tt.want}, wire.settled())
			})
		}
	})

	t.Run("a member counts only once", func(t *testing.T) {
		wire := newTestDelivery("", "")
		f := newFanout(wire, 2)
		m := f.member()

		require.NoError(t, m.Reject())
		require.NoError(t, m.Ack())
		assert.Empty(t, wire.settled())

		require.NoError(t, f.member().Ack())
		assert.Equal(t, []contracts.Outcome{contracts.OutcomeReject}, wire.settled())
	})

	t.Run("release counts as success", func(t *testing.T) {
		wire := newTestDelivery("", "")
		f := newFanout(wire, 1)
		require.NoError(t, f.member().release())
		assert.Equal(t, []contracts.Outcome{contracts.OutcomeAck}, wire.settled())
	})
}
