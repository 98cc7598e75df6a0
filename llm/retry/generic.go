package retry

import "context"

// DoWithResultTyped 在 Retryer.DoWithResult 之上提供类型安全的泛型封装，
// 调用方无需对返回值做类型断言。
//
// 示例：
//
//	resp, err := retry.DoWithResultTyped[*ChatResponse](r, ctx, func() (*ChatResponse, error) {
//	    return client.send(ctx, req)
//	})
func DoWithResultTyped[T any](r Retryer, ctx context.Context, fn func() (T, error)) (T, error) {
	out, err := r.DoWithResult(ctx, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out.(T), nil
}
