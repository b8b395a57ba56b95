package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden            ErrCode = "FORBIDDEN"
	ErrPermissionDenied     ErrCode = "PERMISSION_DENIED"
	ErrStudentAccessOnly    ErrCode = "STUDENT_ACCESS_ONLY"
	ErrSupervisorAccessOnly ErrCode = "SUPERVISOR_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation      ErrCode = "VALIDATION_ERROR"
	ErrInvalidID       ErrCode = "INVALID_ID"
	ErrInvalidPayload  ErrCode = "INVALID_PAYLOAD"
	ErrInvalidResponse ErrCode = "INVALID_RESPONSE"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound        ErrCode = "NOT_FOUND"
	ErrExamNotFound    ErrCode = "EXAM_NOT_FOUND"
	ErrAttemptNotFound ErrCode = "ATTEMPT_NOT_FOUND"

	// ─── Attempt lifecycle ─────────────────────────────────────────────
	ErrNotYetOpen       ErrCode = "EXAM_NOT_YET_OPEN"
	ErrWindowClosed     ErrCode = "EXAM_WINDOW_CLOSED"
	ErrNotAssigned      ErrCode = "EXAM_NOT_ASSIGNED"
	ErrAlreadyFinalized ErrCode = "ATTEMPT_ALREADY_FINALIZED"
	ErrNoQuestions      ErrCode = "NO_QUESTIONS"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrPersistenceUnavailable ErrCode = "PERSISTENCE_UNAVAILABLE"
	ErrInternal               ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrPermissionDenied:
		return "Izin ditolak."
	case ErrStudentAccessOnly:
		return "Sumber daya ini terbatas untuk siswa."
	case ErrSupervisorAccessOnly:
		return "Sumber daya ini terbatas untuk pengawas."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."
	case ErrInvalidResponse:
		return "Jawaban tidak sesuai dengan soal."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrExamNotFound:
		return "Ujian tidak ditemukan."
	case ErrAttemptNotFound:
		return "Sesi pengerjaan tidak ditemukan."

	// ─── Attempt lifecycle ─────────────────────────────────────────────
	case ErrNotYetOpen:
		return "Ujian belum dibuka."
	case ErrWindowClosed:
		return "Waktu ujian telah berakhir."
	case ErrNotAssigned:
		return "Ujian ini tidak ditugaskan kepada Anda."
	case ErrAlreadyFinalized:
		return "Pengerjaan ujian ini sudah selesai."
	case ErrNoQuestions:
		return "Ujian ini tidak memiliki pertanyaan."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrPersistenceUnavailable:
		return "Penyimpanan sedang tidak tersedia. Silakan coba lagi."
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
