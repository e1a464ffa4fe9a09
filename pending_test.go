package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingWait_FirstResolveWins(t *testing.T) {
	w := newPendingWait("user_response:1")

	require.True(t, w.resolve([]byte(`{"ok":true}`), nil))
	assert.False(t, w.resolve(nil, ErrTimeout))
	assert.False(t, w.resolve([]byte(`{"ok":false}`), nil))

	payload, err := w.result()
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(payload))
}

func TestPendingWait_ErrorWins(t *testing.T) {
	w := newPendingWait("user_response:1")

	require.True(t, w.resolve(nil, ErrTimeout))
	var late int
	w.listener(func() { late++ })("user_response:1", []byte(`[]`))

	_, err := w.result()
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, late)
}

func TestPendingWait_ListenerFiltersChannel(t *testing.T) {
	w := newPendingWait("user_response:1")
	l := w.listener(nil)

	l("user_response:2", []byte(`"other"`))
	l("user_response:1x", []byte(`"prefix"`))
	l("user_requests", []byte(`"request"`))

	select {
	case <-w.done:
		t.Fatal("resolved by a foreign channel")
	default:
	}

	l("user_response:1", []byte(`"mine"`))
	payload, err := w.result()
	require.NoError(t, err)
	assert.Equal(t, `"mine"`, string(payload))
}

func TestPendingWait_ConcurrentResolve(t *testing.T) {
	w := newPendingWait("c")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = errors.New("lost")
			}
			if w.resolve([]byte("x"), err) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}
