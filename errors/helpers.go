package errors

// WrapStorage wraps err as a retryable storage failure raised in component.
func WrapStorage(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	return E(op, Component(component), ErrCodeStorageFailure, KindUnavailable, err)
}

// WrapNetwork wraps err as a retryable network failure raised in component.
func WrapNetwork(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	return E(op, Component(component), ErrCodeNetworkFailure, KindUnavailable, err)
}
