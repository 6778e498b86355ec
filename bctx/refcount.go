package bctx

// refCount is the counting primitive behind a Context's protocol reference
// count. It is deliberately free of any protocol knowledge: the side effects
// of liveness transitions are injected as observer hooks that fire exactly
// on the 0->1 and 1->0 edges.
type refCount struct {
	n       int
	onFirst func()
	onLast  func()
}

func (rc *refCount) ref() int {
	rc.n++
	if rc.n == 1 && rc.onFirst != nil {
		rc.onFirst()
	}
	return rc.n
}

func (rc *refCount) unref() int {
	if rc.n <= 0 {
		panic("unbalanced unref")
	}
	rc.n--
	if rc.n == 0 && rc.onLast != nil {
		rc.onLast()
	}
	return rc.n
}

func (rc *refCount) count() int { return rc.n }
