package domain

import "errors"

var (
	// ErrInvalidInput возвращается при некорректных входных данных
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientBalance возвращается при недостаточном балансе
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrExchangeAPI возвращается при ошибке API биржи
	ErrExchangeAPI = errors.New("exchange API error")

	// ErrTransient сетевая ошибка или таймаут, допускает повтор
	ErrTransient = errors.New("transient exchange error")

	// ErrOrderNotFound ордер не найден на бирже
	ErrOrderNotFound = errors.New("order not found")

	// ErrInsufficientHistory недостаточно свечей для расчета волатильности
	ErrInsufficientHistory = errors.New("insufficient price history")

	// ErrStateNotFound сохраненное состояние отсутствует
	ErrStateNotFound = errors.New("strategy state not found")

	// ErrInvalidState сохраненное состояние повреждено или не проходит валидацию
	ErrInvalidState = errors.New("invalid strategy state")

	// ErrEngineHalted торговля по паре остановлена после фатальной ошибки
	ErrEngineHalted = errors.New("engine halted")

	// ErrKillSwitchActive торговля по паре заблокирована kill switch
	ErrKillSwitchActive = errors.New("kill switch is active")

	// ErrSlippageTooHigh цена исполнения слишком далеко от ожидаемой
	ErrSlippageTooHigh = errors.New("slippage exceeds threshold")

	// ErrOrderNotFilled ордер не исполнен за отведенное число попыток
	ErrOrderNotFilled = errors.New("order not filled")

	// ErrDatabaseConnection возвращается при ошибке подключения к БД
	ErrDatabaseConnection = errors.New("database connection error")
)
