// Package thread turns the nested structures returned by getPostThread into
// the flat values the post view renders.
package thread

import "github.com/bskylink/bskylink/internal/model"

// MaxDepth is the deepest reply level Flatten visits. Top-level replies are
// level 0, so at most MaxDepth+1 levels are ever walked.
const MaxDepth = 20

type frame struct {
	nodes []*model.ThreadNode
	next  int
	depth int
}

// Flatten walks replies in pre-order and keeps the nodes written by
// rootHandle. A node by anyone else is dropped together with its whole
// subtree, even when a deeper descendant is by rootHandle again. Sibling
// order is preserved. The returned nodes are copies with Replies cleared.
//
// The walk uses an explicit stack so an adversarially deep tree costs
// neither goroutine stack nor more than MaxDepth+1 frames.
func Flatten(replies []*model.ThreadNode, rootHandle string) []*model.ThreadNode {
	out := []*model.ThreadNode{}
	if len(replies) == 0 {
		return out
	}

	stack := []frame{{nodes: replies}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next >= len(top.nodes) {
			stack = stack[:len(stack)-1]
			continue
		}
		node := top.nodes[top.next]
		top.next++
		depth := top.depth

		if !authoredBy(node, rootHandle) {
			continue
		}
		flat := *node
		flat.Replies = nil
		out = append(out, &flat)

		if len(node.Replies) > 0 && depth < MaxDepth {
			stack = append(stack, frame{nodes: node.Replies, depth: depth + 1})
		}
	}
	return out
}

func authoredBy(node *model.ThreadNode, handle string) bool {
	return node != nil && node.Post != nil && node.Post.Author.Handle == handle
}
