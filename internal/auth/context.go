package auth

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

type subjectKey struct{}

// WithSubject 将认证后的调用方写入上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the subject placed by the middleware, or nil.
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// CallerFromContext returns the authenticated caller address. Unauthenticated
// requests yield the zero address, which holds no role on any component.
func CallerFromContext(ctx context.Context) common.Address {
	if subject := SubjectFromContext(ctx); subject != nil {
		return subject.Caller
	}
	return common.Address{}
}
