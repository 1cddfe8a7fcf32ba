package packet

// MySQL protocol constants
const (
	HeaderLen     = 4
	ScrambleLen   = 20
	MaxPayloadLen = 1<<24 - 1

	OK_HEADER           = 0x00
	ERR_HEADER          = 0xff
	EOF_HEADER          = 0xfe
	LOCAL_INFILE_HEADER = 0xfb

	// Commands
	COM_QUIT         = 0x01
	COM_INIT_DB      = 0x02
	COM_QUERY        = 0x03
	COM_FIELD_LIST   = 0x04
	COM_STATISTICS   = 0x09
	COM_PING         = 0x0e
	COM_CHANGE_USER  = 0x11
	COM_STMT_PREPARE = 0x16
	COM_STMT_EXECUTE = 0x17
	COM_STMT_CLOSE   = 0x19
	COM_STMT_RESET   = 0x1a
	COM_SET_OPTION   = 0x1b
	COM_STMT_FETCH   = 0x1c

	// Client capabilities
	CLIENT_LONG_PASSWORD                  = 0x00000001
	CLIENT_FOUND_ROWS                     = 0x00000002
	CLIENT_LONG_FLAG                      = 0x00000004
	CLIENT_CONNECT_WITH_DB                = 0x00000008
	CLIENT_NO_SCHEMA                      = 0x00000010
	CLIENT_COMPRESS                       = 0x00000020
	CLIENT_ODBC                           = 0x00000040
	CLIENT_LOCAL_FILES                    = 0x00000080
	CLIENT_IGNORE_SPACE                   = 0x00000100
	CLIENT_PROTOCOL_41                    = 0x00000200
	CLIENT_INTERACTIVE                    = 0x00000400
	CLIENT_SSL                            = 0x00000800
	CLIENT_IGNORE_SIGPIPE                 = 0x00001000
	CLIENT_TRANSACTIONS                   = 0x00002000
	CLIENT_RESERVED                       = 0x00004000
	CLIENT_SECURE_CONNECTION              = 0x00008000
	CLIENT_MULTI_STATEMENTS               = 0x00010000
	CLIENT_MULTI_RESULTS                  = 0x00020000
	CLIENT_PS_MULTI_RESULTS               = 0x00040000
	CLIENT_PLUGIN_AUTH                    = 0x00080000
	CLIENT_CONNECT_ATTRS                  = 0x00100000
	CLIENT_PLUGIN_AUTH_LENENC_CLIENT_DATA = 0x00200000
	CLIENT_CAN_HANDLE_EXPIRED_PASSWORDS   = 0x00400000
	CLIENT_SESSION_TRACK                  = 0x00800000
	CLIENT_DEPRECATE_EOF                  = 0x01000000

	// Capability set used when the client session supplies none
	DEFAULT_CAPABILITY = CLIENT_LONG_PASSWORD | CLIENT_LONG_FLAG |
		CLIENT_CONNECT_WITH_DB | CLIENT_PROTOCOL_41 |
		CLIENT_TRANSACTIONS | CLIENT_SECURE_CONNECTION

	// Server status flags
	SERVER_STATUS_IN_TRANS     = 0x0001
	SERVER_STATUS_AUTOCOMMIT   = 0x0002
	SERVER_MORE_RESULTS_EXISTS = 0x0008

	// Server error codes the backend driver reacts to
	ER_DBACCESS_DENIED_ERROR           = 1044
	ER_ACCESS_DENIED_ERROR             = 1045
	ER_HOST_IS_BLOCKED                 = 1129
	ER_ACCESS_DENIED_NO_PASSWORD_ERROR = 1698

	// Synthetic error code used for connection-level failures
	CR_CONN_HOST_ERROR = 2003

	DEFAULT_AUTH_PLUGIN = "mysql_native_password"
	DEFAULT_CHARSET     = 0x08

	MYSQL_USER_MAXLEN     = 128
	MYSQL_DATABASE_MAXLEN = 128
)
