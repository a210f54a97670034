package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < 10; i++ {
		assert.True(t, q.Push(i))
	}

	for i := 0; i < 10; i++ {
		v, ok := q.Pop(context.Background())
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestCloseThenDrain(t *testing.T) {
	q := New[string]()
	q.Push("a")
	q.Push("b")
	q.Close()

	assert.False(t, q.Push("c"), "push after close must be rejected")

	v, ok := q.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = q.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = q.Pop(context.Background())
	assert.False(t, ok, "drained closed queue must report closed")
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New[int]()

	done := make(chan int, 1)
	go func() {
		v, ok := q.Pop(context.Background())
		if ok {
			done <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(42)

	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not observe the push")
	}
}

func TestPopHonorsContext(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, ok := q.Pop(ctx)
	assert.False(t, ok)
}

func TestManyProducersPreservePerProducerOrder(t *testing.T) {
	q := New[string]()

	const producers = 4
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(fmt.Sprintf("%d-%d", p, i))
			}
		}(p)
	}

	go func() {
		wg.Wait()
		q.Close()
	}()

	lastSeen := make(map[string]int)
	total := 0
	for {
		v, ok := q.Pop(context.Background())
		if !ok {
			break
		}
		total++
		var p, i int
		_, err := fmt.Sscanf(v, "%d-%d", &p, &i)
		require.NoError(t, err)
		key := fmt.Sprintf("%d", p)
		if prev, seen := lastSeen[key]; seen {
			assert.Greater(t, i, prev, "items from one producer must stay ordered")
		}
		lastSeen[key] = i
	}
	assert.Equal(t, producers*perProducer, total)
}
