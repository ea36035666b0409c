package vm

import "fmt"

// ---------------------------------------------------------------------------
// Class initialisation
// ---------------------------------------------------------------------------

// initialize runs the static initialisation of cd exactly once across all
// executions. A request from the execution already initialising cd
// proceeds; others block until the owner finishes. A cycle of executions
// waiting on each other's classes raises an Error in the requester.
func (e *Execution) initialize(cd *ClassData) *Throwable {
	rt := e.rt
	rt.initMu.Lock()
	for {
		switch cd.initState {
		case classInitialized:
			rt.initMu.Unlock()
			return nil

		case classErroneous:
			msg := cd.initError
			rt.initMu.Unlock()
			return newThrowable(ClassNoClassDefFound, "could not initialize class "+cd.Name()+": "+msg)

		case classInitializing:
			if cd.initOwner == e {
				rt.initMu.Unlock()
				return nil
			}
			if e.initDeadlock(cd) {
				rt.initMu.Unlock()
				e.log.Warning("class initialization deadlock", "class", cd.Name())
				return newThrowable(ClassError, "class initialization deadlock: "+cd.Name())
			}
			e.waitingInit = cd
			e.running.Unlock()
			rt.initCond.Wait()
			e.waitingInit = nil
			rt.initMu.Unlock()
			e.running.Lock()
			rt.initMu.Lock()

		default:
			cd.initState = classInitializing
			cd.initOwner = e
			rt.initMu.Unlock()

			th := e.runInitializer(cd)

			rt.initMu.Lock()
			if th != nil {
				cd.initState = classErroneous
				cd.initError = th.Error()
			} else {
				cd.initState = classInitialized
			}
			cd.initOwner = nil
			rt.initCond.Broadcast()
			rt.initMu.Unlock()
			return th
		}
	}
}

// initDeadlock follows the owner -> waiting-on chain from cd and reports
// whether it leads back to e. Callers hold initMu.
func (e *Execution) initDeadlock(cd *ClassData) bool {
	seen := map[*Execution]bool{}
	for owner := cd.initOwner; owner != nil && !seen[owner]; {
		if owner == e {
			return true
		}
		seen[owner] = true
		w := owner.waitingInit
		if w == nil {
			return false
		}
		owner = w.initOwner
	}
	return false
}

func (e *Execution) runInitializer(cd *ClassData) *Throwable {
	if cd.super != nil && !cd.IsInterface() {
		if th := e.initialize(cd.super); th != nil {
			return th
		}
	}

	e.LockRuntime()
	err := e.rt.applyConstantValuesLocked(cd)
	e.UnlockRuntime()
	if err != nil {
		return throwableOf(err)
	}

	m := cd.FindMethodString("<clinit>", "()V")
	if m == nil {
		return nil
	}
	e.log.Debug("running static initializer", "class", cd.Name())
	_, th := e.call(m, nil)
	if th == nil || e.isInstanceOfError(th) {
		return th
	}
	return newThrowable(ClassExceptionInInitializer, th.Error())
}

// isInstanceOfError reports whether th is a java/lang/Error.
func (e *Execution) isInstanceOfError(th *Throwable) bool {
	e.LockRuntime()
	defer e.UnlockRuntime()
	cd, err := e.rt.loadLocked(th.Class.Text)
	return err == nil && cd.isSubclassOfName(ClassError)
}

// applyConstantValuesLocked stores ConstantValue attributes into the
// static fields of cd. String constants are interned.
func (rt *Runtime) applyConstantValuesLocked(cd *ClassData) error {
	statics := cd.staticFields()
	pool := cd.Pool
	for _, f := range cd.Fields {
		if !f.IsStatic() || f.ConstantValue == 0 {
			continue
		}
		idx := f.ConstantValue
		switch pool.Tag(idx) {
		case ConstTagInteger, ConstTagFloat:
			statics.slot32(f).Value = int32(uint32(pool.Raw(idx).Value))
		case ConstTagLong, ConstTagDouble:
			statics.slot64(f).Value = int64(pool.Raw(idx).Value)
		case ConstTagString:
			r, err := rt.internLocked(pool.String(idx).Text)
			if err != nil {
				return err
			}
			statics.slotRef(f).Value = r
		default:
			return fmt.Errorf("%w: %s: constant value of tag %s", ErrClassFormat, f, pool.Tag(idx))
		}
	}
	return nil
}
