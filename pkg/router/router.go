// Package router implements the RPC-independent request dispatcher (spec
// §6.1): every method the wire protocol exposes, translated onto Holder and
// its collaborators. It knows nothing about framing or JSON — pkg/rpcwire
// is the only thing that talks to a socket — so it can be exercised
// directly in tests the way the teacher exercises its own request-handling
// layer without a live listener.
package router

import (
	"time"

	"github.com/cuemby/portod/pkg/composer"
	"github.com/cuemby/portod/pkg/container"
	"github.com/cuemby/portod/pkg/cred"
	"github.com/cuemby/portod/pkg/errors"
	"github.com/cuemby/portod/pkg/holder"
	"github.com/cuemby/portod/pkg/log"
	"github.com/cuemby/portod/pkg/metrics"
	"github.com/cuemby/portod/pkg/supervisor"
	"github.com/cuemby/portod/pkg/waiter"
)

// Method is the closed set of RPC methods spec §6.1 names.
type Method string

const (
	MethodCreate       Method = "create"
	MethodDestroy      Method = "destroy"
	MethodStart        Method = "start"
	MethodStop         Method = "stop"
	MethodPause        Method = "pause"
	MethodResume       Method = "resume"
	MethodKill         Method = "kill"
	MethodList         Method = "list"
	MethodPropertyList Method = "propertylist"
	MethodDataList     Method = "datalist"
	MethodGetProperty  Method = "getproperty"
	MethodSetProperty  Method = "setproperty"
	MethodGetData      Method = "getdata"
	MethodGet          Method = "get"
	MethodWait         Method = "wait"
	MethodVersion      Method = "version"
)

// Version is reported by the version() method.
const Version = "1.0"

// Request is one decoded RPC call, already stripped of wire framing.
type Request struct {
	Method    Method
	Peer      cred.Peer
	Namespace string // porto_namespace scoping, resolved by the caller's connection

	Name      string
	Names     []string
	Key       string
	Value     string
	Signal    int
	Variables []string
	Timeout   time.Duration
}

// Response is what every Dispatch call returns; Kind is errors.Unknown iff
// the call succeeded trivially (Unknown doubles as the wire "0 = success"
// per spec §6.1, since a real Unknown failure always carries a Message).
type Response struct {
	Kind    errors.Kind
	Message string

	Value string
	Names []string
	Batch map[string]map[string]holder.Variable
	Fired string
}

func ok() Response { return Response{} }

func fail(err error) Response {
	return Response{Kind: errors.KindOf(err), Message: err.Error()}
}

// Router dispatches decoded requests onto Holder and its collaborators.
type Router struct {
	holder      *holder.Holder
	comp        *composer.Composer
	sup         *supervisor.TaskSupervisor
	waiters     *waiter.Set
	authz       *cred.Authorizer
	stopTimeout time.Duration
}

// New builds a Router wired to the running daemon's collaborators.
func New(h *holder.Holder, comp *composer.Composer, sup *supervisor.TaskSupervisor, waiters *waiter.Set, authz *cred.Authorizer, stopTimeout time.Duration) *Router {
	return &Router{holder: h, comp: comp, sup: sup, waiters: waiters, authz: authz, stopTimeout: stopTimeout}
}

// Dispatch routes req to its handler, timing the call for
// metrics.RPCRequestDuration and counting it by method and error kind
// (spec §6.1's "responses always include an error field").
func (r *Router) Dispatch(req Request) Response {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RPCRequestDuration, string(req.Method))

	resp := r.dispatch(req)
	metrics.RPCRequestsTotal.WithLabelValues(string(req.Method), resp.Kind.String()).Inc()
	return resp
}

func (r *Router) dispatch(req Request) Response {
	switch req.Method {
	case MethodCreate:
		return r.create(req)
	case MethodDestroy:
		return r.destroy(req)
	case MethodStart:
		return r.start(req)
	case MethodStop:
		return r.stop(req)
	case MethodPause:
		return r.pause(req)
	case MethodResume:
		return r.resume(req)
	case MethodKill:
		return r.kill(req)
	case MethodList:
		return Response{Names: r.holder.List(req.Namespace)}
	case MethodPropertyList:
		return Response{Names: r.holder.Registry().Names(false, true)}
	case MethodDataList:
		return Response{Names: r.holder.Registry().DataNames()}
	case MethodGetProperty:
		return r.getProperty(req)
	case MethodSetProperty:
		return r.setProperty(req)
	case MethodGetData:
		return r.getData(req)
	case MethodGet:
		return Response{Batch: r.holder.Get(req.Names, req.Variables)}
	case MethodWait:
		return r.wait(req)
	case MethodVersion:
		return Response{Value: Version}
	default:
		return fail(errors.New(errors.NotSupported, "unknown method %q", req.Method))
	}
}

func (r *Router) find(name string) (*container.Container, error) {
	c, ok := r.holder.Find(name)
	if !ok {
		return nil, errors.New(errors.ContainerDoesNotExist, "container %q does not exist", name)
	}
	return c, nil
}

// authorize denies the call unless the peer is the container's owner, a
// superuser, or shares the owner's gid (pkg/cred.Authorizer.CanAccess).
func (r *Router) authorize(req Request, c *container.Container) error {
	if !r.authz.CanAccess(req.Peer, c.Owner.UID, c.Owner.GID) {
		return errors.New(errors.Permission, "not permitted to operate on %q", c.Name)
	}
	return nil
}

func (r *Router) create(req Request) Response {
	c, err := r.holder.Create(req.Name, req.Peer, req.Peer.UID, r.authz.IsSuperuser(req.Peer))
	if err != nil {
		return fail(err)
	}
	log.WithContainer(c.Name).Info().Msg("router: created")
	return ok()
}

func (r *Router) destroy(req Request) Response {
	if err := r.holder.Destroy(req.Name, req.Peer.UID, r.authz.IsSuperuser(req.Peer)); err != nil {
		return fail(err)
	}
	r.waiters.Notify(req.Name)
	return ok()
}

func (r *Router) start(req Request) Response {
	c, err := r.find(req.Name)
	if err != nil {
		return fail(err)
	}
	if err := r.authorize(req, c); err != nil {
		return fail(err)
	}
	if err := r.holder.Start(req.Name, r.comp, r.sup); err != nil {
		return fail(err)
	}
	r.holder.Persist(c)
	return ok()
}

func (r *Router) stop(req Request) Response {
	c, err := r.find(req.Name)
	if err != nil {
		return fail(err)
	}
	if err := r.authorize(req, c); err != nil {
		return fail(err)
	}
	if err := r.holder.Stop(req.Name, r.sup, r.stopTimeout); err != nil {
		return fail(err)
	}
	r.waiters.Notify(req.Name)
	return ok()
}

func (r *Router) pause(req Request) Response {
	c, err := r.find(req.Name)
	if err != nil {
		return fail(err)
	}
	if err := r.authorize(req, c); err != nil {
		return fail(err)
	}
	if err := r.holder.Pause(req.Name); err != nil {
		return fail(err)
	}
	return ok()
}

func (r *Router) resume(req Request) Response {
	c, err := r.find(req.Name)
	if err != nil {
		return fail(err)
	}
	if err := r.authorize(req, c); err != nil {
		return fail(err)
	}
	if err := r.holder.Resume(req.Name); err != nil {
		return fail(err)
	}
	return ok()
}

func (r *Router) kill(req Request) Response {
	c, err := r.find(req.Name)
	if err != nil {
		return fail(err)
	}
	if err := r.authorize(req, c); err != nil {
		return fail(err)
	}
	if err := c.Kill(req.Signal); err != nil {
		return fail(err)
	}
	return ok()
}

func (r *Router) getProperty(req Request) Response {
	c, err := r.find(req.Name)
	if err != nil {
		return fail(err)
	}
	v, err := c.Props.GetProperty(req.Key)
	if err != nil {
		return fail(err)
	}
	return Response{Value: v.String()}
}

func (r *Router) setProperty(req Request) Response {
	c, err := r.find(req.Name)
	if err != nil {
		return fail(err)
	}
	if err := r.authorize(req, c); err != nil {
		return fail(err)
	}
	isOsMode, _ := c.Props.GetProperty("virt_mode")
	if err := r.holder.SetProperty(c, req.Key, req.Value, c.State().String(), r.authz.IsSuperuser(req.Peer), isOsMode.Str == "os"); err != nil {
		return fail(err)
	}
	r.holder.Persist(c)
	return ok()
}

func (r *Router) getData(req Request) Response {
	c, err := r.find(req.Name)
	if err != nil {
		return fail(err)
	}
	v, err := c.Props.GetData(req.Key)
	if err != nil {
		return fail(err)
	}
	return Response{Value: v.String()}
}

func (r *Router) wait(req Request) Response {
	w := r.waiters.Register(r.holder, req.Names, req.Namespace, req.Timeout)
	metrics.WaitersActive.Set(float64(r.waiters.ActiveCount()))
	name, fired := w.Wait()
	if !fired {
		return Response{Fired: ""}
	}
	return Response{Fired: name}
}
