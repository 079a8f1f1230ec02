package memcache

import "github.com/resourcemesh/breeze/reqctx"

func newTestContext(req *reqctx.Request, resp *reqctx.Response) *reqctx.Context {
	a := reqctx.NewArena()
	c := a.Get()
	c.Init(req)
	c.CompleteOK(resp)
	return c
}
