package workflow

import "fmt"

// Node names one step of the coordination graph.
type Node string

const (
	NodeCollectConstraints Node = "collect_constraints"
	NodeProposeSplit       Node = "propose_split"
	NodeAgentPlan          Node = "agent_plan"
	NodeContractAlignment  Node = "contract_alignment"
	NodeDecide             Node = "decide"
	NodeHITLInterrupt      Node = "hitl_interrupt"
	NodeWriteArtifacts     Node = "write_artifacts"
	NodeEnd                Node = "__end__"
)

var knownNodes = map[Node]bool{
	NodeCollectConstraints: true,
	NodeProposeSplit:       true,
	NodeAgentPlan:          true,
	NodeContractAlignment:  true,
	NodeDecide:             true,
	NodeHITLInterrupt:      true,
	NodeWriteArtifacts:     true,
	NodeEnd:                true,
}

// ParseNode validates a node name read back from a checkpoint.
func ParseNode(s string) (Node, error) {
	n := Node(s)
	if !knownNodes[n] {
		return "", fmt.Errorf("unknown workflow node %q", s)
	}
	return n, nil
}

// Transition is the routing decision taken after a node ran. When Suspend
// is set, execution stops and resumes later at Next.
type Transition struct {
	Next    Node
	Suspend bool
}

// next is the pure routing function of the graph. Both compiled variants
// share every edge except the ones leaving decide.
func next(st *State, node Node) Transition {
	switch node {
	case NodeCollectConstraints:
		return Transition{Next: NodeProposeSplit}
	case NodeProposeSplit:
		return Transition{Next: NodeAgentPlan}
	case NodeAgentPlan:
		return Transition{Next: NodeContractAlignment}
	case NodeContractAlignment:
		return Transition{Next: NodeDecide}
	case NodeDecide:
		if st.Status != StatusHITLRequired {
			return Transition{Next: NodeWriteArtifacts}
		}
		if st.Mode == ModeInterrupt {
			return Transition{Next: NodeHITLInterrupt}
		}
		if st.Round < st.MaxRounds {
			return Transition{Next: NodeProposeSplit}
		}
		return Transition{Next: NodeWriteArtifacts}
	case NodeHITLInterrupt:
		if st.HumanDecision != nil {
			return Transition{Next: NodeWriteArtifacts}
		}
		return Transition{Next: NodeWriteArtifacts, Suspend: true}
	default:
		return Transition{Next: NodeEnd}
	}
}
