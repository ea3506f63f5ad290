package transform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDAG_RegisterAndTrigger(t *testing.T) {
	d := NewDAG()
	require.NoError(t, d.Register(&Transform{ID: "sum", Inputs: []string{"Sum.a", "Sum.b"}, Output: "Sum.total", Logic: "a+b"}))

	require.Equal(t, []string{"sum"}, d.TriggeredBy("Sum.a"))
	require.Equal(t, []string{"sum"}, d.TriggeredBy("Sum.b"))
	require.Empty(t, d.TriggeredBy("Sum.total"))
}

func TestDAG_RejectsCycle(t *testing.T) {
	d := NewDAG()
	require.NoError(t, d.Register(&Transform{ID: "t1", Inputs: []string{"A.x"}, Output: "B.y", Logic: "x"}))

	err := d.Register(&Transform{ID: "t2", Inputs: []string{"B.y"}, Output: "A.x", Logic: "y"})
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
}

func TestDAG_RejectsSelfReferentialTransform(t *testing.T) {
	d := NewDAG()
	err := d.Register(&Transform{ID: "bad", Inputs: []string{"A.x"}, Output: "A.x", Logic: "x"})
	require.Error(t, err)
}

func TestDAG_RejectsDuplicateID(t *testing.T) {
	d := NewDAG()
	require.NoError(t, d.Register(&Transform{ID: "t1", Inputs: []string{"A.x"}, Output: "A.y", Logic: "x"}))
	err := d.Register(&Transform{ID: "t1", Inputs: []string{"A.y"}, Output: "A.z", Logic: "y"})
	require.Error(t, err)
}
