package taskpipe

import "fmt"

// Stage names of the research pipeline
const (
	StagePlan     = "plan"
	StageCrawl    = "crawl"
	StageRetrieve = "retrieve"
	StageWrite    = "write"
)

// Topic names. Together with the chain order these are the wire contract
// between independently deployed workers.
const (
	TopicPlanner    = "stream:planner"
	TopicCrawler    = "stream:crawler"
	TopicRAG        = "stream:rag"
	TopicWriter     = "stream:writer"
	TopicDeadLetter = "stream:deadletter"
)

// DefaultGroup is the consumer group shared by all stages
const DefaultGroup = "group_main"

// Route binds a stage to the topic it reads and the topic it feeds.
type Route struct {
	Stage        string
	ListenTopic  string
	PublishTopic string
	Group        string
	Terminal     bool
}

// Chain is an ordered list of routes. The last route is terminal.
type Chain []Route

// DefaultChain is plan -> crawl -> retrieve -> write.
var DefaultChain = Chain{
	{Stage: StagePlan, ListenTopic: TopicPlanner, PublishTopic: TopicCrawler, Group: DefaultGroup},
	{Stage: StageCrawl, ListenTopic: TopicCrawler, PublishTopic: TopicRAG, Group: DefaultGroup},
	{Stage: StageRetrieve, ListenTopic: TopicRAG, PublishTopic: TopicWriter, Group: DefaultGroup},
	{Stage: StageWrite, ListenTopic: TopicWriter, Group: DefaultGroup, Terminal: true},
}

// Route returns the route for the named stage.
func (c Chain) Route(stage string) (Route, error) {
	for _, r := range c {
		if r.Stage == stage {
			return r, nil
		}
	}
	return Route{}, fmt.Errorf("unknown stage %q", stage)
}

// First returns the entry route of the chain.
func (c Chain) First() Route {
	if len(c) == 0 {
		return Route{}
	}
	return c[0]
}

// Terminal returns the route of the final stage.
func (c Chain) Terminal() Route {
	for _, r := range c {
		if r.Terminal {
			return r
		}
	}
	if len(c) == 0 {
		return Route{}
	}
	return c[len(c)-1]
}

// Stages returns the stage names in chain order.
func (c Chain) Stages() []string {
	names := make([]string, len(c))
	for i, r := range c {
		names[i] = r.Stage
	}
	return names
}

// Validate checks that the routes link up: every publish topic is the listen
// topic of a later stage and exactly one route is terminal.
func (c Chain) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("chain is empty")
	}
	terminals := 0
	seen := map[string]bool{}
	for i, r := range c {
		if r.Stage == "" || r.ListenTopic == "" || r.Group == "" {
			return fmt.Errorf("route %d is incomplete", i)
		}
		if seen[r.Stage] {
			return fmt.Errorf("duplicate stage %q", r.Stage)
		}
		seen[r.Stage] = true
		if r.Terminal {
			terminals++
			continue
		}
		if r.PublishTopic == "" {
			return fmt.Errorf("stage %q has no publish topic and is not terminal", r.Stage)
		}
		linked := false
		for _, next := range c[i+1:] {
			if next.ListenTopic == r.PublishTopic {
				linked = true
				break
			}
		}
		if !linked {
			return fmt.Errorf("stage %q publishes to %q which no later stage reads", r.Stage, r.PublishTopic)
		}
	}
	if terminals != 1 {
		return fmt.Errorf("chain must have exactly one terminal stage, found %d", terminals)
	}
	return nil
}
