package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueue_PreservesOrder(t *testing.T) {
	q := NewInMemoryQueue(4)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	assert.Equal(t, 3, q.Size())

	items, err := q.ReadAllMessages()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{0, 1, 2}, items)
	assert.Equal(t, 0, q.Size())
}

func TestInMemoryQueue_FullAndEmpty(t *testing.T) {
	q := NewInMemoryQueue(1)
	require.NoError(t, q.Enqueue("a"))
	assert.ErrorIs(t, q.Enqueue("b"), ErrQueueFull)

	item, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "a", item)

	_, err = q.Dequeue()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestInMemoryQueue_ClearQueue(t *testing.T) {
	q := NewInMemoryQueue(8)
	require.NoError(t, q.Enqueue(1))
	require.NoError(t, q.Enqueue(2))
	require.NoError(t, q.ClearQueue())
	assert.Equal(t, 0, q.Size())
}
