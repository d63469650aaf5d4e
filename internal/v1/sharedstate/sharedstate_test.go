package sharedstate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPasswordsGetMissingIsEmpty(t *testing.T) {
	p := NewPasswords()
	assert.Equal(t, "", p.Get(3))
}

func TestPasswordsReplace(t *testing.T) {
	p := NewPasswords()
	p.Replace(map[uint32]string{3: "secret"})
	assert.Equal(t, "secret", p.Get(3))
	assert.Equal(t, "", p.Get(4))
}

func TestExclusionSetAddRemove(t *testing.T) {
	e := NewExclusionSet()
	assert.True(t, e.Add(5))
	assert.False(t, e.Add(5))
	assert.True(t, e.Contains(5))

	assert.True(t, e.Remove(5))
	assert.False(t, e.Remove(5))
	assert.False(t, e.Contains(5))
}

func TestExclusionSetSorted(t *testing.T) {
	e := NewExclusionSet()
	e.Add(9)
	e.Add(1)
	e.Add(5)
	assert.Equal(t, []uint32{1, 5, 9}, e.Sorted())
}

func TestProbabilityGetSet(t *testing.T) {
	p := NewProbability(0.5)
	assert.Equal(t, 0.5, p.Get())
	p.Set(0.75)
	assert.Equal(t, 0.75, p.Get())
}

func TestProbabilityConcurrentAccess(t *testing.T) {
	p := NewProbability(0.1)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Set(0.9)
			_ = p.Get()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0.9, p.Get())
}
