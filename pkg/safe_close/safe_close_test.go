package safe_close

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSafeClose_attachedGoroutinesExit(t *testing.T) {
	sc := NewSafeClose()
	var exited atomic.Int32
	for i := 0; i < 8; i++ {
		sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			<-closeSignal
			exited.Add(1)
		})
	}

	sc.Done()
	sc.CloseWait()
	assert.Equal(t, int32(8), exited.Load())
	assert.Error(t, sc.Context().Err())
	assert.NoError(t, sc.Err())
}

func TestSafeClose_firstErrorWins(t *testing.T) {
	sc := NewSafeClose()
	errFirst := errors.New("first")
	sc.SendCloseSignal(errFirst)
	sc.SendCloseSignal(errors.New("second"))
	sc.Done()
	sc.CloseWait()
	assert.ErrorIs(t, sc.Err(), errFirst)
}

func TestSafeClose_attachAfterClose(t *testing.T) {
	sc := NewSafeClose()
	sc.SendCloseSignal(nil)
	ran := false
	sc.Attach(func(done func(), _ <-chan struct{}) {
		ran = true
		done()
	})
	sc.Done()
	sc.CloseWait()
	assert.False(t, ran)
}
