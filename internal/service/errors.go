package service

import (
	"errors"

	"credvault/internal/infrastructure/lock"
	"credvault/internal/model"
	"credvault/internal/repository"
)

// 业务错误。容量和次数类错误是正常结果，由调用方渲染提示，不记录为故障
var (
	ErrProductPaused        = errors.New("商品已暂停")
	ErrOutOfStock           = errors.New("商品库存不足")
	ErrNoEligibleAccount    = errors.New("没有可分配的账号")
	ErrMailboxUnreachable   = errors.New("邮箱暂时无法连接，请稍后重试")
	ErrCodeNotFound         = errors.New("未找到验证码，请稍后重试")
	ErrInvalidTwoFactorCode = errors.New("验证码不正确")
	ErrTwoFactorUnavailable = errors.New("账号未配置 2FA 信息")
	ErrAccountPaused        = errors.New("账号已暂停")
	ErrClaimExpired         = errors.New("领取已过期")
)

// 存储层错误直接透出，调用方统一用 errors.Is 判断
var (
	ErrLimitExceeded     = repository.ErrClaimLimitReached
	ErrDuplicateClaimant = repository.ErrDuplicateClaimant
	ErrClaimNotFound     = repository.ErrClaimNotFound
	ErrStorageConflict   = repository.ErrStorageConflict
	ErrProductNotFound   = repository.ErrProductNotFound
	ErrAccountNotFound   = repository.ErrAccountNotFound
	ErrAlertNotFound     = repository.ErrAlertNotFound
	ErrInvalidProduct    = model.ErrInvalidProduct
	ErrInvalidAccountOp  = repository.ErrInvalidAccountOp
)

type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindProductPaused      ErrorKind = "ProductPaused"
	KindOutOfStock         ErrorKind = "OutOfStock"
	KindLimitExceeded      ErrorKind = "LimitExceeded"
	KindDuplicateClaimant  ErrorKind = "DuplicateClaimant"
	KindClaimNotFound      ErrorKind = "ClaimNotFound"
	KindMailboxUnreachable ErrorKind = "MailboxUnreachable"
	KindCodeNotFound       ErrorKind = "CodeNotFound"
	KindStorageConflict    ErrorKind = "StorageConflict"
	KindInvalidCode        ErrorKind = "InvalidTwoFactorCode"
	KindAccountPaused      ErrorKind = "AccountPaused"
	KindClaimExpired       ErrorKind = "ClaimExpired"
	KindNotFound           ErrorKind = "NotFound"
	KindInvalidArgument    ErrorKind = "InvalidArgument"
	KindInternal           ErrorKind = "Internal"
)

var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrProductPaused, KindProductPaused},
	{ErrOutOfStock, KindOutOfStock},
	{ErrNoEligibleAccount, KindOutOfStock},
	{ErrLimitExceeded, KindLimitExceeded},
	{ErrDuplicateClaimant, KindDuplicateClaimant},
	{ErrClaimNotFound, KindClaimNotFound},
	{ErrMailboxUnreachable, KindMailboxUnreachable},
	{ErrCodeNotFound, KindCodeNotFound},
	{ErrTwoFactorUnavailable, KindCodeNotFound},
	{ErrStorageConflict, KindStorageConflict},
	{lock.ErrLockFailed, KindStorageConflict},
	{ErrInvalidTwoFactorCode, KindInvalidCode},
	{ErrAccountPaused, KindAccountPaused},
	{ErrClaimExpired, KindClaimExpired},
	{ErrProductNotFound, KindNotFound},
	{ErrAccountNotFound, KindNotFound},
	{ErrAlertNotFound, KindNotFound},
	{ErrInvalidProduct, KindInvalidArgument},
	{ErrInvalidAccountOp, KindInvalidArgument},
}

// ErrorKindOf 将错误归类，未知错误归为 Internal
func ErrorKindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, ek := range errorKinds {
		if errors.Is(err, ek.err) {
			return ek.kind
		}
	}
	return KindInternal
}

// IsUserFacing 是否为预期内的业务结果，不需要按故障记录
func IsUserFacing(err error) bool {
	switch ErrorKindOf(err) {
	case KindProductPaused, KindOutOfStock, KindLimitExceeded, KindMailboxUnreachable,
		KindCodeNotFound, KindInvalidCode, KindAccountPaused, KindClaimExpired:
		return true
	}
	return false
}
