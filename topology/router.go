package topology

import "github.com/resourcemesh/breeze/reqctx"

// Send routes ctx's request within ns according to its operation class
//. Meta/no-forward requests are completed by the pipeline
// before ever reaching here; Send only sees Store and Get/Gets/Mget
// requests (multi-key commands arrive as independent per-key
// sub-requests, already split by the protocol parser, so no special
// multi-key branch is needed here - each sub-request is routed on its own
// merits like any other single-key request).
func (ns *Namespace) Send(snap *Snapshot, ctx *reqctx.Context) {
	if ctx.Request.Op == reqctx.OpStore {
		ns.sendStore(snap, ctx)
		return
	}
	ns.sendGet(snap, ctx)
}

// sendStore dispatches to the master shard; additional declared tiers
// (L1 replicas, slaves) receive a sent_only sentinel copy each, queued
// without awaiting one another. Only the master's reply determines
// client-visible completion.
func (ns *Namespace) sendStore(snap *Snapshot, ctx *reqctx.Context) {
	if ns.Master == nil {
		ctx.CompleteErr(reqctx.New(reqctx.KindNoResponseFound))
		return
	}
	h := ctx.Request.Hash
	primary := ns.Master.pickReplica(snap.Selector, snap.ShardIdx(h, ns.Master.shardCount()), false)
	if primary == nil {
		ctx.CompleteErr(reqctx.New(reqctx.KindNoResponseFound))
		return
	}

	for _, aux := range ns.Replicas {
		idx := snap.ShardIdx(h, aux.shardCount())
		if ep := aux.pickReplica(snap.Selector, idx, false); ep != nil {
			ep.SendSentOnly(cloneRequest(ctx.Request))
		}
	}

	primary.Send(ctx)
}

// sendGet dispatches to the layer at ctx.TryCount (initially the top
// layer, round-robin-chosen within it); Retry advances TryCount to try
// the next layer on a miss.
func (ns *Namespace) sendGet(snap *Snapshot, ctx *reqctx.Context) {
	layerIdx := ctx.TryCount
	if layerIdx >= len(ns.Layers) {
		ctx.CompleteErr(reqctx.New(reqctx.KindNoResponseFound))
		return
	}
	layer := ns.Layers[layerIdx]
	h := ctx.Request.Hash
	ep := layer.pickReplica(snap.Selector, snap.ShardIdx(h, layer.shardCount()), layerIdx == 0)
	if ep == nil {
		ctx.CompleteErr(reqctx.New(reqctx.KindNoResponseFound))
		return
	}
	ep.Send(ctx)
}

// Retry re-routes ctx to the next topology layer after a miss classified
// try_next-eligible by the pipeline. Returns false once every layer has
// been exhausted, at which point the pipeline writes the last layer's
// reply as-is (the protocol's padding response only if there is none).
func (ns *Namespace) Retry(snap *Snapshot, ctx *reqctx.Context) bool {
	if ctx.TryCount+1 >= len(ns.Layers) {
		return false
	}
	ctx.Retry()
	ns.sendGet(snap, ctx)
	return true
}

// cloneRequest shallow-copies req for a replication sentinel: the two
// requests then carry independent Flag words (one forwarded as sent_only)
// while still sharing the original's Payload MemGuard - exactly one
// borrow, released once by whichever owner (the primary's pipeline
// context) drops last.
func cloneRequest(req *reqctx.Request) *reqctx.Request {
	cp := *req
	return &cp
}
