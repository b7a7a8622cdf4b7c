package pipeline

import "convograph/backend/internal/projection"

// Delta is the set of nodes and links created or updated by one batch, in first-touch order
type Delta struct {
	NewNodes     []projection.Node `json:"new_nodes"`
	UpdatedNodes []projection.Node `json:"updated_nodes"`
	NewLinks     []projection.Link `json:"new_links"`
	UpdatedLinks []projection.Link `json:"updated_links"`
}

// Empty reports whether the batch changed nothing in the graph
func (d *Delta) Empty() bool {
	return len(d.NewNodes) == 0 && len(d.UpdatedNodes) == 0 &&
		len(d.NewLinks) == 0 && len(d.UpdatedLinks) == 0
}

// deltaBuilder records touched entities once each. An entity created in this batch stays in
// the new bucket even when touched again; later touches only refresh its payload.
type deltaBuilder struct {
	delta        Delta
	newNodes     map[string]int
	updatedNodes map[string]int
	newLinks     map[string]int
	updatedLinks map[string]int
}

func newDeltaBuilder() *deltaBuilder {
	return &deltaBuilder{
		delta: Delta{
			NewNodes:     []projection.Node{},
			UpdatedNodes: []projection.Node{},
			NewLinks:     []projection.Link{},
			UpdatedLinks: []projection.Link{},
		},
		newNodes:     make(map[string]int),
		updatedNodes: make(map[string]int),
		newLinks:     make(map[string]int),
		updatedLinks: make(map[string]int),
	}
}

func (b *deltaBuilder) node(n projection.Node, created bool) {
	if i, ok := b.newNodes[n.ID]; ok {
		b.delta.NewNodes[i] = n
		return
	}
	if created {
		b.newNodes[n.ID] = len(b.delta.NewNodes)
		b.delta.NewNodes = append(b.delta.NewNodes, n)
		return
	}
	if i, ok := b.updatedNodes[n.ID]; ok {
		b.delta.UpdatedNodes[i] = n
		return
	}
	b.updatedNodes[n.ID] = len(b.delta.UpdatedNodes)
	b.delta.UpdatedNodes = append(b.delta.UpdatedNodes, n)
}

func (b *deltaBuilder) link(l projection.Link, created bool) {
	if i, ok := b.newLinks[l.ID]; ok {
		b.delta.NewLinks[i] = l
		return
	}
	if created {
		b.newLinks[l.ID] = len(b.delta.NewLinks)
		b.delta.NewLinks = append(b.delta.NewLinks, l)
		return
	}
	if i, ok := b.updatedLinks[l.ID]; ok {
		b.delta.UpdatedLinks[i] = l
		return
	}
	b.updatedLinks[l.ID] = len(b.delta.UpdatedLinks)
	b.delta.UpdatedLinks = append(b.delta.UpdatedLinks, l)
}

func (b *deltaBuilder) build() Delta {
	return b.delta
}
