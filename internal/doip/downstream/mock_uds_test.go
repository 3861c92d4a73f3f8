package downstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockUDSProviderDefaultEchoesPositiveResponse(t *testing.T) {
	p := NewMockUDSProvider(1)
	require.NoError(t, p.Start())
	defer p.Stop()

	done := make(chan Response, 1)
	p.SendRequest([]byte{0x22, 0xF1, 0x90}, func(r Response) { done <- r })

	select {
	case r := <-done:
		assert.Equal(t, StatusHandled, r.Status)
		assert.Equal(t, []byte{0x62, 0xF1, 0x90}, r.Payload)
	case <-time.After(time.Second):
		t.Fatal("callback never invoked")
	}
}

func TestMockUDSProviderPendingRetriesDelayFinalResponse(t *testing.T) {
	p := NewMockUDSProvider(1)
	p.PendingRetries = 3
	p.RetryInterval = 10 * time.Millisecond
	require.NoError(t, p.Start())
	defer p.Stop()

	start := time.Now()
	done := make(chan Response, 1)
	p.SendRequest([]byte{0x22, 0xF1, 0x90}, func(r Response) { done <- r })

	select {
	case r := <-done:
		assert.Equal(t, StatusHandled, r.Status)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("callback never invoked")
	}
}

func TestMockUDSProviderCustomRespond(t *testing.T) {
	p := NewMockUDSProvider(1)
	p.Respond = func(req []byte) []byte { return []byte{0x7F, req[0], 0x31} }
	require.NoError(t, p.Start())
	defer p.Stop()

	done := make(chan Response, 1)
	p.SendRequest([]byte{0x23, 0x00}, func(r Response) { done <- r })

	select {
	case r := <-done:
		assert.Equal(t, []byte{0x7F, 0x23, 0x31}, r.Payload)
	case <-time.After(time.Second):
		t.Fatal("callback never invoked")
	}
}

func TestMockUDSProviderEmptyRequestIsError(t *testing.T) {
	p := NewMockUDSProvider(1)
	require.NoError(t, p.Start())
	defer p.Stop()

	done := make(chan Response, 1)
	p.SendRequest(nil, func(r Response) { done <- r })

	select {
	case r := <-done:
		assert.Equal(t, StatusError, r.Status)
	case <-time.After(time.Second):
		t.Fatal("callback never invoked")
	}
}

func TestMockUDSProviderConcurrentRequestsDoNotBlockEachOther(t *testing.T) {
	p := NewMockUDSProvider(2)
	p.PendingRetries = 5
	p.RetryInterval = 20 * time.Millisecond
	require.NoError(t, p.Start())
	defer p.Stop()

	doneA := make(chan Response, 1)
	doneB := make(chan Response, 1)
	p.SendRequest([]byte{0x22, 0x00, 0x01}, func(r Response) { doneA <- r })
	p.SendRequest([]byte{0x22, 0x00, 0x02}, func(r Response) { doneB <- r })

	for _, ch := range []chan Response{doneA, doneB} {
		select {
		case r := <-ch:
			assert.Equal(t, StatusHandled, r.Status)
		case <-time.After(2 * time.Second):
			t.Fatal("callback never invoked")
		}
	}
}
