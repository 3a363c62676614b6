package atmnet

// routes.go computes shortest-path forwarding entries for networks whose route
// configuration asks for them.
//
// The network is converted into the data structures of a graph package that has
// built-in path discovery algorithms.  Weighting each cable by 1, a shortest path
// minimizes the number of hops.  End systems never relay calls, so in the graph
// built for a source only the source and the switches have outgoing edges; every
// other end system can end a path but not be crossed by one.  The first hop of the
// path toward each end system becomes the source's forwarding entry for it, unless
// a static route already covers that destination.

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// routeGraph holds the shortest path trees computed for a network, by source node number
type routeGraph struct {
	an       *AtmNet
	byNumber map[int64]*Node
	cachedSP map[int64]path.Shortest
}

func createRouteGraph(an *AtmNet) *routeGraph {
	rg := &routeGraph{an: an, byNumber: make(map[int64]*Node), cachedSP: make(map[int64]path.Shortest)}
	for _, node := range an.nodeList {
		rg.byNumber[int64(node.Number)] = node
	}
	return rg
}

// buildConnGraph returns the graph in which paths from src are sought
func (rg *routeGraph) buildConnGraph(src *Node) graph.Graph {
	connGraph := simple.NewWeightedDirectedGraph(0, math.Inf(1))
	for _, node := range rg.an.nodeList {
		connGraph.AddNode(simple.Node(node.Number))
	}

	for _, node := range rg.an.nodeList {
		if node.Kind == EndSystem && node != src {
			continue
		}
		for _, intrfc := range node.intrfcs {
			if intrfc.Peer == nil {
				continue
			}
			weightedEdge := simple.WeightedEdge{F: simple.Node(node.Number),
				T: simple.Node(intrfc.Peer.Node.Number), W: 1.0}
			connGraph.SetWeightedEdge(weightedEdge)
		}
	}
	return connGraph
}

// getSPTree returns the shortest path tree rooted in src, computing and caching it if need be
func (rg *routeGraph) getSPTree(src *Node) path.Shortest {
	spTree, present := rg.cachedSP[int64(src.Number)]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(simple.Node(src.Number), rg.buildConnGraph(src))
	rg.cachedSP[int64(src.Number)] = spTree
	return spTree
}

// route returns the nodes on a shortest path from src to dst, inclusive, or nil
func (rg *routeGraph) route(src, dst *Node) []*Node {
	nodeSeq, _ := rg.getSPTree(src).To(int64(dst.Number))
	if len(nodeSeq) == 0 {
		return nil
	}
	rtn := make([]*Node, 0, len(nodeSeq))
	for _, gn := range nodeSeq {
		rtn = append(rtn, rg.byNumber[gn.ID()])
	}
	return rtn
}

// autoRoute gives every node a forwarding entry toward every end system it can reach
// and has no static route to
func (an *AtmNet) autoRoute() {
	rg := createRouteGraph(an)
	for _, src := range an.nodeList {
		for _, dst := range an.nodeList {
			if dst == src || dst.Kind != EndSystem {
				continue
			}
			if _, present := src.fwd.lookup(dst.Atm); present {
				continue
			}
			seq := rg.route(src, dst)
			if len(seq) < 2 {
				continue
			}
			idx := src.neighborIntrfc(seq[1].Atm)
			if idx < 0 {
				panic("shortest path leaves " + src.Name + " toward a node it has no cable to")
			}
			src.fwd.set(dst.Atm, FwdEntry{NextHop: seq[1].Atm, Intrfc: idx})
		}
	}
}

// ShowPath returns the names of the nodes on a shortest path between the named nodes,
// comma separated, or an empty string when there is none
func (an *AtmNet) ShowPath(srcName, dstName string) string {
	src, serr := an.Node(srcName)
	dst, derr := an.Node(dstName)
	if serr != nil || derr != nil {
		return ""
	}
	seq := createRouteGraph(an).route(src, dst)
	names := make([]string, 0, len(seq))
	for _, node := range seq {
		names = append(names, node.Name)
	}
	return strings.Join(names, ",")
}
