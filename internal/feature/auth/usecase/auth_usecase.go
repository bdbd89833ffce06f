// Package usecase はauthフィーチャーのビジネスロジックを実装します。
package usecase

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"tradecoach_backend/internal/feature/auth/domain/entity"
)

// minPasswordLength はパスワードの最低文字数。
const minPasswordLength = 8

// dummyPasswordHash はユーザー未検出時のタイミング攻撃緩和に使う
// "password" のbcryptハッシュ。どの分岐でも比較コストを一定に保つ。
const dummyPasswordHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// UserRepository はユーザーエンティティの永続化層を抽象化します。
// Goの慣例に従い、インターフェースはコンシューマー（usecase）が定義します。
type UserRepository interface {
	// Create は新規ユーザーを永続化します。メールアドレスが既に
	// 使われている場合はErrEmailAlreadyExistsを返します。
	Create(ctx context.Context, user *entity.User) error

	// FindByEmail はメールアドレスでユーザーを引きます。
	FindByEmail(ctx context.Context, email string) (*entity.User, error)

	// FindByID はIDでユーザーを引きます。
	FindByID(ctx context.Context, id uint) (*entity.User, error)
}

// JWTGenerator は接続クレデンシャルとなるトークンの発行を抽象化します。
// Goの慣例に従い、インターフェースはコンシューマー（usecase）が定義します。
type JWTGenerator interface {
	GenerateToken(userID uint, email string) (string, error)
}

type authUsecase struct {
	users        UserRepository
	jwtGenerator JWTGenerator
}

// NewAuthUsecase はauthUsecaseの新しいインスタンスを生成します。
func NewAuthUsecase(users UserRepository, jwtGenerator JWTGenerator) *authUsecase {
	return &authUsecase{users: users, jwtGenerator: jwtGenerator}
}

// normalizeEmail は保存・検索キーを揃えるための正規化。
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Signup はパスワードをbcryptでハッシュ化して新規ユーザーを登録します。
func (u *authUsecase) Signup(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if len(password) < minPasswordLength {
		return fmt.Errorf("password must be at least %d characters long", minPasswordLength)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return u.users.Create(ctx, &entity.User{Email: email, Password: string(hashed)})
}

// Login は認証に成功すると署名済みJWTを返します。
// ユーザーが存在しない場合もダミーハッシュに対してbcrypt比較を行い、
// 応答時間からメールアドレスの存在が推測できないようにします。
func (u *authUsecase) Login(ctx context.Context, email, password string) (string, error) {
	user, findErr := u.users.FindByEmail(ctx, normalizeEmail(email))

	hash := dummyPasswordHash
	if findErr == nil {
		hash = user.Password
	}
	compareErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))

	// 未検出と不一致は同じ汎用エラーに畳む
	if findErr != nil || compareErr != nil {
		return "", ErrInvalidCredentials
	}

	token, err := u.jwtGenerator.GenerateToken(user.ID, user.Email)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return token, nil
}
