package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Document chat error taxonomy.
//
// Every failure surfaced by the retrieval core is one of these kinds. Variants
// created with WithMessage or WithCause keep the code, so errors.Is against the
// sentinel still matches.
var (
	// ErrIndexNotFound means the index root is absent or holds no index at all.
	ErrIndexNotFound = Register(&Errno{
		Code:      MakeCode(ServiceDocChat, CategoryResource, 1),
		HTTP:      http.StatusNotFound,
		GRPCCode:  codes.NotFound,
		MessageEN: "Document index not found",
		MessageID: "Indeks dokumen tidak ditemukan",
	})

	// ErrIndexCorrupt means the index is present but unreadable or malformed.
	ErrIndexCorrupt = Register(&Errno{
		Code:      MakeCode(ServiceDocChat, CategoryInternal, 1),
		HTTP:      http.StatusInternalServerError,
		GRPCCode:  codes.DataLoss,
		MessageEN: "Document index is corrupt",
		MessageID: "Indeks dokumen rusak",
	})

	// ErrEmbedding means the embedding provider was unreachable or returned a malformed vector.
	ErrEmbedding = Register(&Errno{
		Code:      MakeCode(ServiceDocChat, CategoryNetwork, 1),
		HTTP:      http.StatusBadGateway,
		GRPCCode:  codes.Unavailable,
		MessageEN: "Embedding provider failed",
		MessageID: "Penyedia embedding gagal",
	})

	// ErrGeneration means the LLM provider failed, was rate limited or returned empty output.
	ErrGeneration = Register(&Errno{
		Code:      MakeCode(ServiceDocChat, CategoryNetwork, 2),
		HTTP:      http.StatusBadGateway,
		GRPCCode:  codes.Unavailable,
		MessageEN: "Answer generation failed",
		MessageID: "Pembuatan jawaban gagal",
	})

	// ErrGenerationTimeout is the timeout flavour of ErrGeneration and matches it.
	ErrGenerationTimeout = Register(&Errno{
		Code:      MakeCode(ServiceDocChat, CategoryTimeout, 1),
		HTTP:      http.StatusGatewayTimeout,
		GRPCCode:  codes.DeadlineExceeded,
		MessageEN: "Answer generation timed out",
		MessageID: "Pembuatan jawaban melebihi batas waktu",
		Parent:    ErrGeneration,
	})

	// ErrInvalidState means the operation is not allowed in the current session state.
	ErrInvalidState = Register(&Errno{
		Code:      MakeCode(ServiceDocChat, CategoryConflict, 1),
		HTTP:      http.StatusConflict,
		GRPCCode:  codes.FailedPrecondition,
		MessageEN: "Operation not allowed in current session state",
		MessageID: "Operasi tidak diizinkan pada status sesi saat ini",
	})

	// ErrPrecondition means a credential or configuration is missing at session creation.
	ErrPrecondition = Register(&Errno{
		Code:      MakeCode(ServiceDocChat, CategoryConfig, 1),
		HTTP:      http.StatusPreconditionFailed,
		GRPCCode:  codes.FailedPrecondition,
		MessageEN: "Session precondition not met",
		MessageID: "Prasyarat sesi tidak terpenuhi",
	})
)

// Request shape and lifecycle errors of the chat surface.
var (
	ErrSessionNotFound = Register(&Errno{
		Code:      MakeCode(ServiceDocChat, CategoryResource, 2),
		HTTP:      http.StatusNotFound,
		GRPCCode:  codes.NotFound,
		MessageEN: "Chat session not found",
		MessageID: "Sesi percakapan tidak ditemukan",
	})

	ErrTooManySessions = Register(&Errno{
		Code:      MakeCode(ServiceDocChat, CategoryRateLimit, 1),
		HTTP:      http.StatusTooManyRequests,
		GRPCCode:  codes.ResourceExhausted,
		MessageEN: "Too many active chat sessions",
		MessageID: "Terlalu banyak sesi percakapan aktif",
	})

	ErrInvalidTopK = Register(&Errno{
		Code:      MakeCode(ServiceDocChat, CategoryRequest, 1),
		HTTP:      http.StatusBadRequest,
		GRPCCode:  codes.InvalidArgument,
		MessageEN: "top-k must be a positive integer",
		MessageID: "top-k harus bilangan bulat positif",
	})

	ErrProvisionFailed = Register(&Errno{
		Code:      MakeCode(ServiceDocChat, CategoryNetwork, 3),
		HTTP:      http.StatusBadGateway,
		GRPCCode:  codes.Unavailable,
		MessageEN: "Corpus provisioning failed",
		MessageID: "Penyediaan korpus gagal",
	})
)
