// Package pool keeps warm pools of Python execution environments.
//
// The Manager holds one pool per environment kind (CPU and GPU). Acquire
// hands out an idle pooled environment with a single locked check-and-mark;
// when none is idle it creates an ephemeral overflow environment that is
// destroyed on release and never joins the pool. A background reaper
// destroys environments idle past the idle timeout or no longer running and
// tops each pool back up to its floor.
//
// Usage:
//
//	m := pool.NewManager(logger, runtime, provisioner, specFor, pool.Options{
//	    Floors:       map[sandbox.Kind]int{sandbox.KindCPU: 10, sandbox.KindGPU: 3},
//	    IdleTimeout:  5 * time.Minute,
//	    ReapInterval: time.Minute,
//	})
//	if err := m.Initialize(ctx); err != nil {
//	    return err
//	}
//	m.StartReaper()
//	err := m.With(ctx, sandbox.KindCPU, func(env pool.Environment) error {
//	    return run(env)
//	})
package pool
