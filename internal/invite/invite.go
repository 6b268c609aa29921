// Package invite генерирует инвайт-коды сессий
package invite

import (
	"crypto/rand"
	"fmt"
)

// Length - длина инвайт-кода
const Length = 12

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// maxByte - наибольшее кратное len(alphabet) значение байта; байты выше отбрасываются,
// чтобы символы распределялись равномерно
const maxByte = 256 - 256%len(alphabet)

// Generate возвращает случайный код из Length алфавитно-цифровых символов
func Generate() (string, error) {
	out := make([]byte, 0, Length)
	buf := make([]byte, Length*2)
	for len(out) < Length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxByte {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == Length {
				break
			}
		}
	}
	return string(out), nil
}
