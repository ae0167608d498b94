// Package logger es el logging zap del servicio.
//
// A diferencia de un wrapper genérico, acá hay una sola configuración que
// importa: consola legible en desarrollo, JSON en producción, y el
// request_id propagado por contexto desde el middleware HTTP. Setup se llama
// una vez en main; el resto del código pide loggers por componente.
package logger

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var def atomic.Pointer[zap.Logger]

// Setup construye el logger del servicio y lo deja como default del paquete.
// mode "prod" emite JSON con stacktraces en error; cualquier otro modo usa
// consola con colores. level inválido o vacío cae a info. Retorna el logger
// para que main haga defer de Sync.
func Setup(mode, level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	var enc zapcore.Encoder
	opts := []zap.Option{zap.AddCaller()}

	if mode == "prod" {
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	} else {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		enc = zapcore.NewConsoleEncoder(ec)
	}

	l := zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stdout), lvl), opts...).
		With(zap.String("service", "shakend"))
	def.Store(l)
	return l
}

// L retorna el logger default. Antes de Setup entrega una consola a nivel
// info, así los tests y los comandos one-shot no necesitan inicializar nada.
func L() *zap.Logger {
	if l := def.Load(); l != nil {
		return l
	}
	return Setup("dev", "info")
}

// Component retorna el logger default nombrado por componente
// ("keycache", "certstore", ...).
func Component(name string) *zap.Logger {
	return L().Named(name)
}

type ridKey struct{}

// WithRequestID anota el contexto con el id del request HTTP en curso.
func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, ridKey{}, rid)
}

// From arma el logger para un contexto: el default, más request_id si el
// contexto viene de un request anotado por el middleware.
func From(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if rid, ok := ctx.Value(ridKey{}).(string); ok && rid != "" {
			return L().With(RequestID(rid))
		}
	}
	return L()
}

// Campos del dominio. Sólo los que el servicio realmente loguea.

// RequestID es el id del request HTTP.
func RequestID(v string) zap.Field { return zap.String("request_id", v) }

// Method es el método HTTP.
func Method(v string) zap.Field { return zap.String("method", v) }

// Path es el path del request.
func Path(v string) zap.Field { return zap.String("path", v) }

// Status es el status code de la respuesta.
func Status(v int) zap.Field { return zap.Int("status", v) }

// Duration es la duración de una operación.
func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }

// URL es una URL de clave pública (x5u).
func URL(v string) zap.Field { return zap.String("url", v) }

// KeyPath es el path local de una clave descargada.
func KeyPath(v string) zap.Field { return zap.String("key_path", v) }

// CallerID es el número originante (orig.tn).
func CallerID(v string) zap.Field { return zap.String("caller_id", v) }

// Attest es el nivel de atestación.
func Attest(v string) zap.Field { return zap.String("attest", v) }

// Err es un error.
func Err(err error) zap.Field { return zap.Error(err) }

// Count es un conteo genérico.
func Count(v int) zap.Field { return zap.Int("count", v) }

// String es un campo string genérico.
func String(key, v string) zap.Field { return zap.String(key, v) }

// Int64 es un campo int64 genérico.
func Int64(key string, v int64) zap.Field { return zap.Int64(key, v) }
