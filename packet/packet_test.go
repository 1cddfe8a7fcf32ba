package packet

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/mevdschee/tqsqlproxy/buffer"
)

func pkt(seq byte, payload ...byte) []byte {
	data := make([]byte, HeaderLen, HeaderLen+len(payload))
	data = append(data, payload...)
	return finish(data, seq)
}

func TestPeekHeader(t *testing.T) {
	b := buffer.New(pkt(3, 0x00, 0x01))
	n, seq, ok := PeekHeader(b)
	if !ok || n != 2 || seq != 3 {
		t.Errorf("PeekHeader = (%d, %d, %v)", n, seq, ok)
	}
	if _, _, ok := PeekHeader(buffer.New([]byte{1, 0})); ok {
		t.Error("header peek should fail on short input")
	}
}

func TestNextPacketFragmentation(t *testing.T) {
	whole := pkt(0, 0x00, 0xaa, 0xbb)

	// Less than a header: nothing comes out.
	b := buffer.New(whole[:3])
	got, rest := NextPacket(b)
	if got != nil || rest.Len() != 3 {
		t.Fatal("partial header must be retained")
	}

	// Header present but payload short: nothing comes out.
	b = buffer.New(whole[:5])
	got, _ = NextPacket(b)
	if got != nil {
		t.Fatal("partial payload must be retained")
	}

	// Split across three links: one whole packet comes out.
	b = buffer.Append(buffer.Append(buffer.New(whole[:2]), buffer.New(whole[2:5])), buffer.New(whole[5:]))
	got, rest = NextPacket(b)
	if got == nil || !bytes.Equal(got.Bytes(), whole) {
		t.Fatalf("NextPacket = %v", got.Bytes())
	}
	if rest != nil {
		t.Error("no residue expected")
	}
}

func TestCompletePackets(t *testing.T) {
	p1 := pkt(0, 0x00)
	p2 := pkt(1, 0xfe, 0, 0, 0, 0)
	partial := []byte{9, 0, 0, 2, 0xff}
	stream := append(append(append([]byte(nil), p1...), p2...), partial...)

	pkts, residue := CompletePackets(buffer.New(stream))
	if pkts.Len() != len(p1)+len(p2) {
		t.Errorf("complete bytes = %d, want %d", pkts.Len(), len(p1)+len(p2))
	}
	if !bytes.Equal(residue.Bytes(), partial) {
		t.Errorf("residue = %v", residue.Bytes())
	}

	pkts, residue = CompletePackets(buffer.New(partial))
	if pkts != nil || residue.Len() != len(partial) {
		t.Error("all-partial stream must stay as residue")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		payloadLen int
		first      byte
		want       ReplyType
	}{
		{"ok", 7, 0x00, ReplyOK},
		{"err", 9, 0xff, ReplyErr},
		{"eof", 5, 0xfe, ReplyEOF},
		{"auth switch", 44, 0xfe, ReplyAuthSwitch},
		{"local infile", 10, 0xfb, ReplyLocalInfile},
		{"column count", 1, 0x03, ReplyResultSet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.payloadLen, tt.first); got != tt.want {
				t.Errorf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorPacket(t *testing.T) {
	data := ErrorPacket(1, 1045, "28000", "Access denied")
	if data[3] != 1 {
		t.Errorf("seq = %d", data[3])
	}
	if ClassifyPacket(data) != ReplyErr {
		t.Error("not classified as ERR")
	}
	if ErrCode(data) != 1045 {
		t.Errorf("code = %d", ErrCode(data))
	}
	if data[7] != '#' || string(data[8:13]) != "28000" {
		t.Errorf("sql state = %q", data[7:13])
	}
	if ErrMessage(data) != "Access denied" {
		t.Errorf("message = %q", ErrMessage(data))
	}
}

func TestLengthEncodedIntRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 250, 251, 65535, 65536, 1 << 23, 1 << 25} {
		enc := PutLengthEncodedInt(n)
		got, null, read := ReadLengthEncodedInt(enc)
		if null || read != len(enc) || got != n {
			t.Errorf("round trip of %d: got %d, null=%v, read=%d", n, got, null, read)
		}
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	hs := &Handshake{
		ServerVersion: "10.4.13-MariaDB",
		ConnectionID:  42,
		Capabilities:  DEFAULT_CAPABILITY | CLIENT_PLUGIN_AUTH,
		Charset:       DEFAULT_CHARSET,
		Status:        SERVER_STATUS_AUTOCOMMIT,
		AuthPlugin:    DEFAULT_AUTH_PLUGIN,
	}
	for i := range hs.Scramble {
		hs.Scramble[i] = byte(i + 1)
	}
	wire := hs.HandshakePacket()
	got, err := ParseHandshake(wire[HeaderLen:])
	if err != nil {
		t.Fatal(err)
	}
	if got.ServerVersion != hs.ServerVersion || got.ConnectionID != 42 {
		t.Errorf("version/id = %q/%d", got.ServerVersion, got.ConnectionID)
	}
	if got.Scramble != hs.Scramble {
		t.Errorf("scramble = %v", got.Scramble)
	}
	if got.Capabilities != hs.Capabilities || got.AuthPlugin != DEFAULT_AUTH_PLUGIN {
		t.Errorf("caps/plugin = %x/%q", got.Capabilities, got.AuthPlugin)
	}
}

func TestParseAuthSwitch(t *testing.T) {
	scramble := bytes.Repeat([]byte{0xaa}, ScrambleLen)
	payload := append([]byte{EOF_HEADER}, DEFAULT_AUTH_PLUGIN...)
	payload = append(payload, 0)
	payload = append(payload, scramble...)
	payload = append(payload, 0)

	plugin, got, err := ParseAuthSwitch(payload)
	if err != nil {
		t.Fatal(err)
	}
	if plugin != DEFAULT_AUTH_PLUGIN || !bytes.Equal(got, scramble) {
		t.Errorf("plugin=%q scramble=%v", plugin, got)
	}

	if _, _, err := ParseAuthSwitch([]byte{EOF_HEADER, 'x'}); err == nil {
		t.Error("truncated payload should fail")
	}
}

func TestScrambleTokens(t *testing.T) {
	scramble := bytes.Repeat([]byte{0x5a}, ScrambleLen)
	password := []byte("secret")

	fromClear := ScrambleToken(scramble, password)
	stage1 := sha1.Sum(password)
	fromHash := TokenFromSHA1(scramble, stage1[:])
	if !bytes.Equal(fromClear, fromHash) {
		t.Error("token from cleartext and from SHA1 differ")
	}
	if len(fromClear) != ScrambleLen {
		t.Errorf("token length = %d", len(fromClear))
	}
	if ScrambleToken(scramble, nil) != nil {
		t.Error("empty password must produce no token")
	}
}

// Field-exact COM_CHANGE_USER layout.
func TestChangeUserPacketLayout(t *testing.T) {
	scramble := make([]byte, ScrambleLen)
	for i := range scramble {
		scramble[i] = byte(i + 1)
	}
	sha1pwd := PasswordSHA1([]byte("pw"))
	data := ChangeUserPacket("u", sha1pwd[:], "d", 0x0021, scramble)

	if int(data[0])|int(data[1])<<8|int(data[2])<<16 != len(data)-HeaderLen {
		t.Error("payload length mismatch")
	}
	if data[3] != 0 {
		t.Errorf("seq = %d, want 0", data[3])
	}
	pos := HeaderLen
	if data[pos] != COM_CHANGE_USER {
		t.Errorf("command = %#x", data[pos])
	}
	pos++
	if data[pos] != 'u' || data[pos+1] != 0 {
		t.Error("user field wrong")
	}
	pos += 2
	if data[pos] != ScrambleLen {
		t.Errorf("auth length = %d", data[pos])
	}
	pos++
	if !bytes.Equal(data[pos:pos+ScrambleLen], TokenFromSHA1(scramble, sha1pwd[:])) {
		t.Error("auth token wrong")
	}
	pos += ScrambleLen
	if data[pos] != 'd' || data[pos+1] != 0 {
		t.Error("db field wrong")
	}
	pos += 2
	if data[pos] != 0x21 || data[pos+1] != 0x00 {
		t.Errorf("charset bytes = %#x %#x", data[pos], data[pos+1])
	}
	pos += 2
	if string(data[pos:pos+len(DEFAULT_AUTH_PLUGIN)]) != DEFAULT_AUTH_PLUGIN {
		t.Error("plugin name wrong")
	}
	pos += len(DEFAULT_AUTH_PLUGIN)
	if data[pos] != 0 || pos+1 != len(data) {
		t.Error("plugin terminator wrong")
	}
}

func TestChangeUserPacketNoPassword(t *testing.T) {
	data := ChangeUserPacket("u", nil, "", 0x08, make([]byte, ScrambleLen))
	pos := HeaderLen + 1 + 2 // command + "u\0"
	if data[pos] != 0 {
		t.Errorf("auth length byte = %d, want 0", data[pos])
	}
	if data[pos+1] != 0 {
		t.Error("empty db must still be terminated")
	}
}

func TestParseChangeUserRoundTrip(t *testing.T) {
	scramble := bytes.Repeat([]byte{7}, ScrambleLen)
	sha1pwd := PasswordSHA1([]byte("pw"))
	data := ChangeUserPacket("bob", sha1pwd[:], "shop", 0x0021, scramble)

	cu, err := ParseChangeUser(data)
	if err != nil {
		t.Fatal(err)
	}
	if cu.User != "bob" || cu.DB != "shop" || cu.Charset != 0x0021 {
		t.Errorf("parsed = %+v", cu)
	}
	if !bytes.Equal(cu.Token, TokenFromSHA1(scramble, sha1pwd[:])) {
		t.Error("token mismatch")
	}
}

func TestExpectedReply(t *testing.T) {
	okFirst := pkt(1, 0x00, 0, 0, 2, 0, 0, 0)
	errFirst := ErrorPacket(1, 1064, "42000", "syntax")
	colCount := pkt(1, 0x03)
	prepareOK := pkt(1, 0x00, 1, 0, 0, 0, 2, 0, 1, 0, 0, 0, 0)

	tests := []struct {
		name  string
		cmd   byte
		first []byte
		want  ReplyShape
	}{
		{"ping", COM_PING, okFirst, ReplyShape{Kind: ShapeFixed, Packets: 1}},
		{"query ok", COM_QUERY, okFirst, ReplyShape{Kind: ShapeFixed, Packets: 1}},
		{"query err", COM_QUERY, errFirst, ReplyShape{Kind: ShapeFixed, Packets: 1}},
		{"query resultset", COM_QUERY, colCount, ReplyShape{Kind: ShapeSignal, Signals: 2}},
		{"execute resultset", COM_STMT_EXECUTE, colCount, ReplyShape{Kind: ShapeSignal, Signals: 2}},
		{"field list", COM_FIELD_LIST, pkt(1, 0x01), ReplyShape{Kind: ShapeUntilEOF}},
		{"field list err", COM_FIELD_LIST, errFirst, ReplyShape{Kind: ShapeFixed, Packets: 1}},
		// 2 columns, 1 param: header + 2 cols + EOF + 1 param + EOF
		{"prepare", COM_STMT_PREPARE, prepareOK, ReplyShape{Kind: ShapeFixed, Packets: 6}},
		{"change user", COM_CHANGE_USER, okFirst, ReplyShape{Kind: ShapeFixed, Packets: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExpectedReply(tt.cmd, tt.first)
			if !ok || got != tt.want {
				t.Errorf("ExpectedReply = %+v (ok=%v), want %+v", got, ok, tt.want)
			}
		})
	}

	if _, ok := ExpectedReply(COM_STMT_PREPARE, pkt(1, 0x00, 1)); ok {
		t.Error("short prepare header must not decide")
	}
}

func TestCountSignalPackets(t *testing.T) {
	col := pkt(1, 0x01)
	def := pkt(2, 0x03, 'd', 'e', 'f')
	eof := EOFPacket(3, 0)
	row := pkt(4, 0x01, '1')

	full := bytes.Join([][]byte{col, def, eof, row, EOFPacket(5, 0)}, nil)
	if n := CountSignalPackets(full); n != 2 {
		t.Errorf("full resultset: %d signals, want 2", n)
	}

	half := bytes.Join([][]byte{col, def, eof, row}, nil)
	if n := CountSignalPackets(half); n != 1 {
		t.Errorf("half resultset: %d signals, want 1", n)
	}

	errEnd := bytes.Join([][]byte{col, def, eof, ErrorPacket(4, 1317, "70100", "interrupted")}, nil)
	if n := CountSignalPackets(errEnd); n != 2 {
		t.Errorf("err-terminated resultset: %d signals, want 2", n)
	}
}
