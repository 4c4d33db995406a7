package ddt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// avlNode is one node of the reference AVL tree used only to validate the
// ddt_tree's ordered container (spec.md §8 property 9: "an ordered-set test
// may issue random inserts/removes against both and verify identical
// iteration order and membership after every operation"). It exists purely
// as a test oracle — a second, independently-implemented ordered set with
// the textbook self-balancing rotation rules, never touched by production
// code.
type avlNode struct {
	key         string
	left, right *avlNode
	height      int
}

func avlHeight(n *avlNode) int {
	if n == nil {
		return 0
	}
	return n.height
}

func avlBalance(n *avlNode) int {
	if n == nil {
		return 0
	}
	return avlHeight(n.left) - avlHeight(n.right)
}

func avlUpdateHeight(n *avlNode) {
	l, r := avlHeight(n.left), avlHeight(n.right)
	if l > r {
		n.height = l + 1
	} else {
		n.height = r + 1
	}
}

func avlRotateRight(y *avlNode) *avlNode {
	x := y.left
	t2 := x.right
	x.right = y
	y.left = t2
	avlUpdateHeight(y)
	avlUpdateHeight(x)
	return x
}

func avlRotateLeft(x *avlNode) *avlNode {
	y := x.right
	t2 := y.left
	y.left = x
	x.right = t2
	avlUpdateHeight(x)
	avlUpdateHeight(y)
	return y
}

func avlRebalance(n *avlNode) *avlNode {
	avlUpdateHeight(n)
	bf := avlBalance(n)
	if bf > 1 {
		if avlBalance(n.left) < 0 {
			n.left = avlRotateLeft(n.left)
		}
		return avlRotateRight(n)
	}
	if bf < -1 {
		if avlBalance(n.right) > 0 {
			n.right = avlRotateRight(n.right)
		}
		return avlRotateLeft(n)
	}
	return n
}

func avlInsert(n *avlNode, key string) *avlNode {
	if n == nil {
		return &avlNode{key: key, height: 1}
	}
	switch {
	case key < n.key:
		n.left = avlInsert(n.left, key)
	case key > n.key:
		n.right = avlInsert(n.right, key)
	default:
		return n // already present, no duplicate keys
	}
	return avlRebalance(n)
}

func avlMin(n *avlNode) *avlNode {
	for n.left != nil {
		n = n.left
	}
	return n
}

func avlDelete(n *avlNode, key string) *avlNode {
	if n == nil {
		return nil
	}
	switch {
	case key < n.key:
		n.left = avlDelete(n.left, key)
	case key > n.key:
		n.right = avlDelete(n.right, key)
	default:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		succ := avlMin(n.right)
		n.key = succ.key
		n.right = avlDelete(n.right, succ.key)
	}
	return avlRebalance(n)
}

func avlContains(n *avlNode, key string) bool {
	for n != nil {
		switch {
		case key < n.key:
			n = n.left
		case key > n.key:
			n = n.right
		default:
			return true
		}
	}
	return false
}

func avlInOrder(n *avlNode, out *[]string) {
	if n == nil {
		return
	}
	avlInOrder(n.left, out)
	*out = append(*out, n.key)
	avlInOrder(n.right, out)
}

// TestOrderedTreeMatchesReferenceAVL is spec.md §8 property 9: random
// inserts and removes issued in parallel against the ddt_tree's production
// container (orderedTree, a google/btree-backed ordered set) and a
// from-scratch reference AVL tree must agree on both membership and
// iteration order after every single operation, not just at the end.
func TestOrderedTreeMatchesReferenceAVL(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ot := newOrderedTree()
	var avl *avlNode
	present := make(map[string]bool)

	universe := make([]string, 200)
	for i := range universe {
		universe[i] = randKeyForIndex(i)
	}

	assertMatch := func(step int) {
		var avlKeys []string
		avlInOrder(avl, &avlKeys)

		var treeKeys []string
		ot.ascend(func(key string, _ dirtyEntry) bool {
			treeKeys = append(treeKeys, key)
			return true
		})

		require.Equalf(t, avlKeys, treeKeys, "iteration order diverged at step %d", step)
		assert.Equal(t, ot.len(), len(avlKeys), "cardinality diverged at step %d", step)

		for _, k := range universe {
			want := present[k]
			_, gotTree := ot.get(k)
			gotAVL := avlContains(avl, k)
			if gotTree != want || gotAVL != want {
				t.Fatalf("step %d: membership diverged for key %q: tree=%v avl=%v want=%v", step, k, gotTree, gotAVL, want)
			}
		}
	}

	for step := 0; step < 2000; step++ {
		k := universe[rng.Intn(len(universe))]
		if rng.Intn(3) == 0 && present[k] {
			avl = avlDelete(avl, k)
			ot.delete(k)
			present[k] = false
		} else {
			avl = avlInsert(avl, k)
			ot.set(k, dirtyEntry{})
			present[k] = true
		}
		assertMatch(step)
	}
}

func randKeyForIndex(i int) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if i < len(alphabet) {
		return string(alphabet[i])
	}
	return string(alphabet[i%len(alphabet)]) + string(alphabet[(i/len(alphabet))%len(alphabet)])
}
