package scanner

import (
	"bytes"
	"context"
)

// EICARTestPayload — стандартная тестовая строка антивирусов.
// Используется для HealthCheck: исправный сканер обязан её обнаружить.
const EICARTestPayload = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

// signatureVersion — версия встроенной базы сигнатур.
const signatureVersion = "heuristic-2026.10"

// textSignature — подстрока и имя угрозы.
type textSignature struct {
	pattern []byte
	threat  string
}

// defaultTextSignatures — встроенная база текстовых сигнатур.
var defaultTextSignatures = []textSignature{
	{[]byte("EICAR-STANDARD-ANTIVIRUS-TEST-FILE"), "EICAR-Test-File"},
	{[]byte("<script>eval(unescape("), "JS.Obfuscated.Eval"},
	{[]byte("powershell -enc"), "PS.EncodedCommand"},
	{[]byte("powershell.exe -EncodedCommand"), "PS.EncodedCommand"},
	{[]byte("cmd.exe /c "), "Shell.CmdExec"},
	{[]byte("/bin/sh -i"), "Shell.ReverseShell"},
	{[]byte("TVqQAAMAAAAEAAAA"), "PE.Base64Embedded"},
	{[]byte("AutoOpen()"), "Macro.AutoOpen"},
}

// magicSignature — сигнатура исполняемого файла в начале буфера.
type magicSignature struct {
	magic  []byte
	threat string
}

var executableMagic = []magicSignature{
	{[]byte("MZ"), "Executable.PE"},
	{[]byte{0x7f, 'E', 'L', 'F'}, "Executable.ELF"},
	{[]byte{0xfe, 0xed, 0xfa, 0xce}, "Executable.MachO"},
	{[]byte{0xfe, 0xed, 0xfa, 0xcf}, "Executable.MachO"},
	{[]byte{0xce, 0xfa, 0xed, 0xfe}, "Executable.MachO"},
	{[]byte{0xcf, 0xfa, 0xed, 0xfe}, "Executable.MachO"},
}

// SignatureBackend — эвристический backend: поиск подстрок-сигнатур
// и заголовков исполняемых форматов (PE, ELF, Mach-O).
type SignatureBackend struct {
	signatures []textSignature
}

// NewSignatureBackend создаёт backend со встроенной базой сигнатур.
// extra — дополнительные подстроки (имя угрозы совпадает с подстрокой).
func NewSignatureBackend(extra ...string) *SignatureBackend {
	sigs := make([]textSignature, 0, len(defaultTextSignatures)+len(extra))
	sigs = append(sigs, defaultTextSignatures...)
	for _, s := range extra {
		if s != "" {
			sigs = append(sigs, textSignature{pattern: []byte(s), threat: "Custom." + s})
		}
	}
	return &SignatureBackend{signatures: sigs}
}

// Scan возвращает список обнаруженных угроз (без повторов).
func (b *SignatureBackend) Scan(ctx context.Context, data []byte) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var threats []string
	add := func(threat string) {
		if !seen[threat] {
			seen[threat] = true
			threats = append(threats, threat)
		}
	}

	for _, s := range b.signatures {
		if bytes.Contains(data, s.pattern) {
			add(s.threat)
		}
	}
	for _, m := range executableMagic {
		if bytes.HasPrefix(data, m.magic) {
			add(m.threat)
		}
	}
	return threats, nil
}

// Version возвращает версию базы сигнатур.
func (b *SignatureBackend) Version() string {
	return signatureVersion
}
