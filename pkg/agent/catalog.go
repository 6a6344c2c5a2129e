package agent

import (
	"fmt"
	"sort"
)

// Catalog is an immutable set of agents with an entry agent
type Catalog struct {
	agents map[string]*Agent
	order  []string
	entry  string
}

// NewCatalog validates agents and builds a catalog. An empty entry selects
// the first agent.
func NewCatalog(entry string, agents ...*Agent) (*Catalog, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("catalog needs at least one agent")
	}

	c := &Catalog{
		agents: make(map[string]*Agent, len(agents)),
		order:  make([]string, 0, len(agents)),
	}
	for _, a := range agents {
		if a == nil {
			return nil, fmt.Errorf("catalog contains a nil agent")
		}
		if _, exists := c.agents[a.Name()]; exists {
			return nil, fmt.Errorf("duplicate agent name: %s", a.Name())
		}
		c.agents[a.Name()] = a
		c.order = append(c.order, a.Name())
	}

	for _, a := range agents {
		for _, route := range a.Handoffs() {
			if _, ok := c.agents[route.Target]; !ok {
				return nil, fmt.Errorf("agent %s: handoff target %q is not in the catalog", a.Name(), route.Target)
			}
		}
	}

	if entry == "" {
		entry = c.order[0]
	}
	if _, ok := c.agents[entry]; !ok {
		return nil, fmt.Errorf("entry agent %q is not in the catalog", entry)
	}
	c.entry = entry

	return c, nil
}

// Get returns the agent with name
func (c *Catalog) Get(name string) (*Agent, bool) {
	if c == nil {
		return nil, false
	}
	a, ok := c.agents[name]
	return a, ok
}

// Entry returns the default starting agent
func (c *Catalog) Entry() *Agent {
	return c.agents[c.entry]
}

// Names returns agent names in declaration order
func (c *Catalog) Names() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Agents returns agents in declaration order
func (c *Catalog) Agents() []*Agent {
	out := make([]*Agent, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.agents[name])
	}
	return out
}

// Len returns the number of agents
func (c *Catalog) Len() int {
	return len(c.order)
}

// Edges returns every handoff as "from -> to", sorted
func (c *Catalog) Edges() []string {
	var edges []string
	for _, a := range c.agents {
		for _, route := range a.routes {
			edges = append(edges, fmt.Sprintf("%s -> %s", a.Name(), route.Target))
		}
	}
	sort.Strings(edges)
	return edges
}
