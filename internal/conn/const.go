package conn

const (
	statusUninitialized byte = iota
	statusConnecting
	statusIdle
	statusBusy
	statusClosed
)

const wbufLen = 1024

// PostgreSQL format codes
const (
	TextFormatCode   = 0
	BinaryFormatCode = 1
)

// SQLSTATE codes after which fallback hosts are not tried.
const (
	sqlStateInvalidPassword          = "28P01"
	sqlStateInvalidAuthSpecification = "28000"
)
