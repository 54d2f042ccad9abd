package service

import (
	"time"

	"whale-flow-analyzer/internal/domain/entity"
)

const (
	exchangeA = "1ExchangeHotWalletAAAAAAAAAAAA"
	exchangeB = "3ExchangeColdWalletBBBBBBBBBBB"
	userP     = "1PrivateUserWalletPPPPPPPPPPPP"
	userQ     = "1PrivateUserWalletQQQQQQQQQQQQ"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func btc(v float64) entity.Satoshi {
	return entity.SatoshiFromBTC(v)
}

func in(address string, value entity.Satoshi) entity.TxInput {
	return entity.TxInput{Address: address, Value: value}
}

func out(address string, value entity.Satoshi) entity.TxOutput {
	return entity.TxOutput{Address: address, Value: value}
}

func newTx(id string, inputs []entity.TxInput, outputs []entity.TxOutput) *entity.RawTransaction {
	return &entity.RawTransaction{
		TxID:       id,
		Inputs:     inputs,
		Outputs:    outputs,
		ObservedAt: baseTime,
	}
}

func testRegistry(addresses ...string) *ExchangeRegistry {
	labels := make(map[string]string, len(addresses))
	for _, a := range addresses {
		labels[a] = "exchange"
	}
	return NewExchangeRegistry(labels)
}
