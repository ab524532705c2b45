// Package control wires configuration, channels, the package cache, the
// resolution engine, backends and the installed database into the
// operations the epm commands expose.
//
// A Control is created once per process:
//
//	ctrl, err := control.New(ctx, cfg, &control.Options{})
//	if err != nil {
//		return err
//	}
//	defer ctrl.Close()
//
//	if err := ctrl.Load(ctx); err != nil {
//		return err
//	}
//	tx, err := ctrl.Install(ctx, []string{"hello", "./extra-1.0.epk"})
//	if err != nil {
//		return err
//	}
//	outcome, err := ctrl.Commit(ctx, tx, nil)
//
// Mutations of the data directory take an exclusive path lock; queries take
// a shared one. Every committed transaction is recorded in the history.
package control
